package model

// CustomIndicator is a user-defined arithmetic series plotted alongside the
// built-in indicators. Formula syntax is validated before the row is stored.
type CustomIndicator struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Formula   string `json:"formula"`
	Color     string `json:"color"` // hex, e.g. "#e39ff6"
	CreatedAt string `json:"created_at"`
}
