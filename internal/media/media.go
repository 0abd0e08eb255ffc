package media

import (
	"path/filepath"

	"waterlog/internal/store"
	"waterlog/internal/textutil"
)

// Media is one library entry. File locations are stored relative to the
// library directory so libraries stay relocatable.
type Media struct {
	ID      string `json:"id"`
	Loc     string `json:"loc"`
	Ext     string `json:"ext"`
	IsVideo bool   `json:"is_video"`
	InfoLoc string `json:"infoloc,omitempty"`
	Title   string `json:"title"`

	// Src is the reference the entry was added from: a URL for web media, an
	// absolute file path for local media.
	Src       string `json:"src"`
	SrcName   string `json:"src_name"`
	SrcDomain string `json:"src_domain"`

	UploaderID   string `json:"uploader_id,omitempty"`
	UploaderName string `json:"uploader_name,omitempty"`
	UploaderURL  string `json:"uploader_url,omitempty"`
	UploadDate   string `json:"upload_date,omitempty"`

	Thumbnail   string   `json:"thumbnail,omitempty"`
	Description string   `json:"description,omitempty"`
	Duration    float64  `json:"duration"`
	Filesize    int64    `json:"filesize"`
	Tags        []string `json:"tags,omitempty"`
	Created     string   `json:"created"`
}

// DirName returns the entry's directory name under the library.
func (m Media) DirName() string {
	return textutil.MediaDirName(m.Title, m.ID)
}

// BackupPath returns the snapshot location for this entry, relative to the
// library directory.
func (m Media) BackupPath() string {
	return filepath.Join(m.DirName(), store.BackupDirName, m.ID+store.MediaBackupSuffix)
}
