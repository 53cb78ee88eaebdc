package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to UploadState
		want     bool
	}{
		{"", UploadStatePending, true},
		{"", UploadStateFailed, true},
		{UploadStatePending, UploadStateUploading, true},
		{UploadStateUploading, UploadStateProcessingAPI, true},
		{UploadStateUploading, UploadStateActive, true},
		{UploadStateUploading, UploadStateCancelled, true},
		{UploadStateProcessingAPI, UploadStateActive, true},
		{UploadStateProcessingAPI, UploadStateUploading, false},
		{UploadStateActive, UploadStateFailed, false},
		{UploadStateCancelled, UploadStatePending, false},
		{UploadStateFailed, UploadStateActive, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryImage, CategoryOf("image/png"))
	assert.Equal(t, CategoryVideo, CategoryOf("video/mp4"))
	assert.Equal(t, CategoryAudio, CategoryOf("audio/mpeg"))
	assert.Equal(t, CategoryPDF, CategoryOf("application/pdf"))
	assert.Equal(t, CategoryText, CategoryOf("text/plain; charset=utf-8"))
	assert.Equal(t, CategoryText, CategoryOf("application/json"))
	assert.Equal(t, CategoryOther, CategoryOf("application/zip"))
	assert.Equal(t, "pdf", CategoryPDF.String())
}

func TestIsSupportedMIME(t *testing.T) {
	assert.True(t, IsSupportedMIME("image/png"))
	assert.True(t, IsSupportedMIME("text/markdown"))
	assert.False(t, IsSupportedMIME("image/x-icon"))
	assert.False(t, IsSupportedMIME("application/zip"))
}

func TestNormalizeFileID(t *testing.T) {
	id, err := NormalizeFileID("files/abc-123")
	require.NoError(t, err)
	assert.Equal(t, "files/abc-123", id)

	id, err = NormalizeFileID("  xyz9 ")
	require.NoError(t, err)
	assert.Equal(t, "files/xyz9", id)

	for _, bad := range []string{"", "files/", "files/UPPER", "models/gemini", "files/a/b"} {
		_, err := NormalizeFileID(bad)
		assert.ErrorIs(t, err, ErrInvalidFileID, bad)
	}
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, DefaultSessionTitle, DeriveTitle(nil))

	msgs := []ChatMessage{
		{Role: RoleUser, Content: "   "},
		{Role: RoleModel, Content: "ignored model text"},
		{Role: RoleUser, Content: "one two three four five six seven eight nine"},
	}
	assert.Equal(t, "one two three four five six seven...", DeriveTitle(msgs))

	msgs = []ChatMessage{{Role: RoleUser, Files: []UploadedFile{{Name: "report.pdf"}}}}
	assert.Equal(t, "report.pdf", DeriveTitle(msgs))
}

func TestChatMessage_FinishOnce(t *testing.T) {
	first := time.Unix(100, 0)
	msg := ChatMessage{IsLoading: true}

	msg.Finish(first)
	msg.Finish(time.Unix(200, 0))

	assert.False(t, msg.IsLoading)
	require.NotNil(t, msg.GenerationEndTime)
	assert.Equal(t, first, *msg.GenerationEndTime)
}

func TestMergeGrounding_UnionByURI(t *testing.T) {
	first := &GroundingMetadata{
		WebSearchQueries: []string{"q1"},
		GroundingChunks: []GroundingChunk{
			{Web: &WebSource{URI: "https://a.example"}},
			{Web: &WebSource{URI: "https://b.example"}},
		},
	}
	second := &GroundingMetadata{
		GroundingChunks: []GroundingChunk{
			{Web: &WebSource{URI: "https://b.example"}},
			{Web: &WebSource{URI: "https://c.example"}},
		},
	}

	acc := MergeGrounding(nil, first)
	acc = MergeGrounding(acc, second)

	require.Len(t, acc.GroundingChunks, len(first.GroundingChunks)+1)
	assert.Equal(t, "https://c.example", acc.GroundingChunks[2].Web.URI)
	assert.Equal(t, []string{"q1"}, acc.WebSearchQueries)
	assert.Same(t, acc, MergeGrounding(acc, nil))
}

func TestFilePart_PrefersBackendReference(t *testing.T) {
	part, ok := FilePart(UploadedFile{MIMEType: "image/png", FileURI: "https://files/1", Base64Data: "AAAA"})
	require.True(t, ok)
	require.NotNil(t, part.FileData)
	assert.Nil(t, part.InlineData)

	part, ok = FilePart(UploadedFile{MIMEType: "image/png", Base64Data: "AAAA"})
	require.True(t, ok)
	require.NotNil(t, part.InlineData)
	assert.Nil(t, part.FileData)

	_, ok = FilePart(UploadedFile{MIMEType: "image/png"})
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAborted, KindOf(context.Canceled))
	assert.Equal(t, KindAborted, KindOf(fmt.Errorf("wrap: %w", ErrAborted)))
	assert.Equal(t, KindConfiguration, KindOf(ErrMissingAPIKey))
	assert.Equal(t, KindValidation, KindOf(ErrUnsupportedFileType))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindNetwork, KindOf(errors.New("connection reset")))
	assert.Equal(t, "", KindOf(nil))
}

func TestNormalizeError_RoundTrip(t *testing.T) {
	err := ErrorFromPayload(NormalizeError(context.Canceled))
	assert.True(t, IsAbort(err))

	err = ErrorFromPayload(NormalizeError(ErrMissingAPIKey))
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	apiErr := &APIError{Name: "RESOURCE_EXHAUSTED", Message: "quota", Status: 429}
	assert.Same(t, apiErr, NormalizeError(fmt.Errorf("call: %w", apiErr)))
}
