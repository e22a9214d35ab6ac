package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meetaudio-desktop/internal/api"
	"meetaudio-desktop/internal/services/recognition"
	"meetaudio-desktop/internal/taskerr"
)

// DefaultDocumentName is used when the server sends no usable filename
const DefaultDocumentName = "会议纪要.docx"

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Artifact is a file ready to be saved
type Artifact struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Service fetches and writes exportable artifacts. Every call names the job
// or task it exports explicitly.
type Service struct {
	client *api.Client
}

// NewService creates a new export service
func NewService(client *api.Client) *Service {
	return &Service{client: client}
}

// MinutesDocument downloads the Word rendition of a completed minutes job
func (s *Service) MinutesDocument(ctx context.Context, jobID string) (*Artifact, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, taskerr.Validation("no generated minutes to download")
	}

	resp, err := s.client.Download(ctx, "api/download_word/"+url.PathEscape(jobID))
	if err != nil {
		return nil, taskerr.FromTransport("download", err)
	}
	if !resp.IsSuccess() {
		return nil, taskerr.FromResponse(taskerr.PhaseDownload, resp.StatusCode(), resp.Body())
	}

	contentType := resp.Header().Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		// a JSON body on 200 is an error envelope, not a document
		e := taskerr.FromResponse(taskerr.PhaseDownload, resp.StatusCode(), resp.Body())
		e.Kind = taskerr.KindTerminal
		return nil, e
	}
	if len(resp.Body()) == 0 {
		return nil, taskerr.Terminal("downloaded document is empty", nil)
	}
	if contentType == "" {
		contentType = docxContentType
	}

	name := filenameFrom(resp.Header().Get("Content-Disposition"))
	log.Printf("[%s] ✓ Downloaded minutes document %s (%d bytes)", jobID, name, len(resp.Body()))
	return &Artifact{FileName: name, ContentType: contentType, Data: resp.Body()}, nil
}

// filenameFrom reads filename* / filename from a Content-Disposition header
func filenameFrom(header string) string {
	if header == "" {
		return DefaultDocumentName
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return DefaultDocumentName
	}
	name := filepath.Base(strings.ReplaceAll(params["filename"], "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return DefaultDocumentName
	}
	return name
}

type transcriptExport struct {
	TaskID    string               `json:"taskId"`
	Text      string               `json:"text"`
	Timestamp string               `json:"timestamp"`
	Config    recognition.Features `json:"config"`
}

// TranscriptJSON renders a completed task's transcript as a JSON export
func TranscriptJSON(task *recognition.PrimaryTask, at time.Time) (*Artifact, error) {
	if task == nil || task.Result == nil {
		return nil, taskerr.Validation("no transcript to export")
	}

	data, err := json.MarshalIndent(transcriptExport{
		TaskID:    task.ID,
		Text:      task.Result.Text,
		Timestamp: at.UTC().Format(time.RFC3339),
		Config:    task.Config,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}

	return &Artifact{
		FileName:    fmt.Sprintf("transcript_%s.json", task.ID),
		ContentType: "application/json",
		Data:        data,
	}, nil
}

// Save writes the artifact into dir without overwriting an existing file
// and returns the path written. A file that could not be written completely
// is removed.
func Save(dir string, a *Artifact) (string, error) {
	return save(dir, a, func(w io.Writer, data []byte) error {
		_, err := w.Write(data)
		return err
	})
}

func save(dir string, a *Artifact, write func(w io.Writer, data []byte) error) (string, error) {
	if a == nil {
		return "", taskerr.Validation("nothing to save")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	ext := filepath.Ext(a.FileName)
	stem := strings.TrimSuffix(a.FileName, ext)
	path := filepath.Join(dir, a.FileName)
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := write(f, a.Data); err != nil {
			f.Close()
			discard(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			discard(path)
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}
		log.Printf("Saved %s (%d bytes)", path, len(a.Data))
		return path, nil
	}
}

func discard(path string) {
	if err := os.Remove(path); err != nil {
		log.Printf("WARNING: Failed to remove partial file %s: %v", path, err)
	}
}
