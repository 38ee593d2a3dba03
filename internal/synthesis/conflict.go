package synthesis

// ConflictReason classifies why a path could not be merged.
type ConflictReason string

// ContentConflict: both sides changed the entry differently.
// DeleteModifyConflict: one side deleted the entry while the other changed it.
// TypeConflict: one side holds a file and the other a directory.
const (
	ContentConflict      ConflictReason = "content"
	DeleteModifyConflict ConflictReason = "delete-modify"
	TypeConflict         ConflictReason = "type"
)

// Conflict is one unmergeable path.
type Conflict struct {
	Path   string         `json:"path"`
	Reason ConflictReason `json:"reason"`
}
