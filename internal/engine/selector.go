package engine

import "github.com/italolelis/download_engine/internal/storage"

// Selector addresses the records a command or subscription applies to.
type Selector struct {
	ID  string
	Tag string
}

// ByID selects a single record.
func ByID(id string) Selector { return Selector{ID: id} }

// ByTag selects every record sharing tag.
func ByTag(tag string) Selector { return Selector{Tag: tag} }

// All selects every record.
func All() Selector { return Selector{} }

// Match reports whether rec is selected.
func (s Selector) Match(rec storage.DownloadRecord) bool {
	switch {
	case s.ID != "":
		return rec.ID == s.ID
	case s.Tag != "":
		return rec.Tag == s.Tag
	default:
		return true
	}
}

func (s Selector) String() string {
	switch {
	case s.ID != "":
		return "id:" + s.ID
	case s.Tag != "":
		return "tag:" + s.Tag
	default:
		return "all"
	}
}
