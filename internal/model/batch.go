package model

// Batch is a capacity-bounded cohort label. Capacity is soft: it steers
// assignment of new users and is never checked at settlement.
type Batch struct {
	Label     string `json:"label"`
	UserCount int    `json:"userCount"`
	Capacity  int    `json:"capacity"`
	Active    bool   `json:"active"`
}
