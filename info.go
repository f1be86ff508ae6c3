package oort

import "fmt"

// Info is the last known snapshot of one owner's entity.
// An Info is never modified after it has been installed; updates install a
// new Info instead.
type Info[T any] struct {
	// OwnerURL identifies the node that authored the snapshot.
	OwnerURL string
	// Name is the name of the shared entity.
	Name string
	// Version orders snapshots of the same owner.
	Version uint64
	// Object is the entity itself.
	Object T
	// Local reports whether the snapshot belongs to this node.
	Local bool
}

func (i *Info[T]) String() string {
	if i == nil {
		return "<nil>"
	}
	origin := "remote"
	if i.Local {
		origin = "local"
	}
	return fmt.Sprintf("%s@%s[v%d,%s]", i.Name, i.OwnerURL, i.Version, origin)
}

func infoVersion[T any](info *Info[T]) uint64 {
	return info.Version
}
