package store

// Folder is a soft grouping of conversations. Membership is by uid only;
// deleting a folder never deletes the conversations it references.
type Folder struct {
	UID              string
	Name             string
	ConversationUIDs []string
	SortOrder        int
	Archived         bool
	CreatedTs        int64
	UpdatedTs        int64
}

// Contains reports whether the folder references the given conversation.
func (f *Folder) Contains(conversationUID string) bool {
	for _, uid := range f.ConversationUIDs {
		if uid == conversationUID {
			return true
		}
	}
	return false
}

type FindFolder struct {
	UID      *string
	Archived *bool
	Limit    *int
	Offset   *int
}

type UpdateFolder struct {
	UID              string
	Name             *string
	ConversationUIDs *[]string
	SortOrder        *int
	Archived         *bool
}
