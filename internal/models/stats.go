package models

// SORStats summarises request counts for the dashboard.
type SORStats struct {
	Total     int               `json:"total"`
	ByStatus  map[SORStatus]int `json:"byStatus"`
	Overdue   int               `json:"overdue"`
	Recent24h int               `json:"recent24h"`
}
