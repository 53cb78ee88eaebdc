package domain

import (
	"regexp"
	"strings"
)

// UploadState is the lifecycle state of an attachment.
type UploadState string

const (
	UploadStatePending       UploadState = "pending"
	UploadStateUploading     UploadState = "uploading"
	UploadStateProcessingAPI UploadState = "processing_api"
	UploadStateActive        UploadState = "active"
	UploadStateFailed        UploadState = "failed"
	UploadStateCancelled     UploadState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s UploadState) Terminal() bool {
	switch s {
	case UploadStateActive, UploadStateFailed, UploadStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward step.
// A file can fail or be cancelled at any point after pending.
func (s UploadState) CanTransition(next UploadState) bool {
	switch s {
	case "":
		return next == UploadStatePending || next == UploadStateFailed ||
			next == UploadStateActive || next == UploadStateProcessingAPI
	case UploadStatePending:
		return next == UploadStateUploading || next == UploadStateFailed || next == UploadStateCancelled
	case UploadStateUploading:
		return next == UploadStateProcessingAPI || next == UploadStateActive ||
			next == UploadStateFailed || next == UploadStateCancelled
	case UploadStateProcessingAPI:
		return next == UploadStateActive || next == UploadStateFailed || next == UploadStateCancelled
	}
	return false
}

// Backend file processing states.
const (
	FileStateActive     = "ACTIVE"
	FileStateProcessing = "PROCESSING"
	FileStateFailed     = "FAILED"
)

// UploadedFile is one attachment, local or backend-resident.
type UploadedFile struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	MIMEType    string      `json:"type"`
	Size        int64       `json:"size"`
	DataURL     string      `json:"dataUrl,omitempty"`
	Base64Data  string      `json:"base64Data,omitempty"`
	TextContent string      `json:"textContent,omitempty"`
	FileURI     string      `json:"fileUri,omitempty"`
	FileAPIName string      `json:"fileApiName,omitempty"`
	UploadState UploadState `json:"uploadState"`
	Progress    int         `json:"progress"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   string      `json:"errorKind,omitempty"`
	Cancelling  bool        `json:"cancelling,omitempty"`

	// ObjectURL is the local blob handle; it never outlives the process.
	ObjectURL string `json:"-"`
}

// IsProcessing reports whether a network call is in flight for the file.
func (f *UploadedFile) IsProcessing() bool {
	return f.UploadState == UploadStatePending ||
		f.UploadState == UploadStateUploading ||
		f.UploadState == UploadStateProcessingAPI
}

// FileMetadata is what the backend reports about an uploaded file.
type FileMetadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	MIMEType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
	URI         string `json:"uri"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

var fileIDPattern = regexp.MustCompile(`^files/[a-z0-9][a-z0-9-]{0,39}$`)

// NormalizeFileID accepts "files/abc" or a bare "abc" and returns the
// resource name, or ErrInvalidFileID.
func NormalizeFileID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "files/") {
		id = "files/" + id
	}
	if !fileIDPattern.MatchString(id) {
		return "", ErrInvalidFileID
	}
	return id, nil
}

// FileCategory is the closed set of preview kinds.
type FileCategory int

const (
	CategoryOther FileCategory = iota
	CategoryImage
	CategoryVideo
	CategoryAudio
	CategoryPDF
	CategoryText
)

func (c FileCategory) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryVideo:
		return "video"
	case CategoryAudio:
		return "audio"
	case CategoryPDF:
		return "pdf"
	case CategoryText:
		return "text"
	}
	return "other"
}

var textMIMETypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/x-sh":       true,
	"application/sql":        true,
}

var supportedByCategory = map[FileCategory]map[string]bool{
	CategoryImage: {
		"image/png": true, "image/jpeg": true, "image/webp": true,
		"image/heic": true, "image/heif": true, "image/gif": true,
	},
	CategoryVideo: {
		"video/mp4": true, "video/mpeg": true, "video/quicktime": true, "video/webm": true,
		"video/x-flv": true, "video/x-ms-wmv": true, "video/3gpp": true, "video/avi": true,
	},
	CategoryAudio: {
		"audio/wav": true, "audio/mp3": true, "audio/mpeg": true, "audio/aiff": true,
		"audio/aac": true, "audio/ogg": true, "audio/flac": true, "audio/webm": true,
	},
	CategoryPDF: {
		"application/pdf": true,
	},
}

// CategoryOf maps a MIME type to its preview category.
func CategoryOf(mimeType string) FileCategory {
	mimeType = baseMIME(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case mimeType == "application/pdf":
		return CategoryPDF
	case strings.HasPrefix(mimeType, "text/"), textMIMETypes[mimeType]:
		return CategoryText
	}
	return CategoryOther
}

// IsSupportedMIME reports whether the backend accepts the MIME type.
func IsSupportedMIME(mimeType string) bool {
	mimeType = baseMIME(mimeType)
	switch c := CategoryOf(mimeType); c {
	case CategoryText:
		return true
	case CategoryOther:
		return false
	default:
		return supportedByCategory[c][mimeType]
	}
}

func baseMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
