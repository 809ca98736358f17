package models

// DashboardPayload is the landing page aggregate: cards contributed by the
// enabled toolkits, the most recent jobs, and the toolkit listing.
type DashboardPayload struct {
	Cards      []DashboardCard        `json:"cards"`
	RecentJobs []*Job                 `json:"recent_jobs"`
	Toolkits   []*Toolkit             `json:"toolkits"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// ToolkitDocs is the rendered documentation view for one toolkit.
type ToolkitDocs struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BasePath    string   `json:"base_path"`
	Operations  []string `json:"operations"`
}
