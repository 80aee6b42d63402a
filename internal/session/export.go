package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/export"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
)

// ExportState is the export dialog.
type ExportState struct {
	Open     bool         `json:"open"`
	InFlight bool         `json:"inFlight"`
	Format   query.Format `json:"format,omitempty"`
	Err      string       `json:"error,omitempty"`
	Path     string       `json:"path,omitempty"`
}

// OpenExport shows the export dialog.
func (s *Session) OpenExport() error {
	return s.do(func() {
		s.export.Open = true
		s.export.Err = ""
	})
}

// CancelExport closes the export dialog. A running export still completes.
func (s *Session) CancelExport() error {
	return s.do(func() { s.export.Open = false })
}

// Export writes every execution matching the current filters to a file in
// the export directory. The payload is fetched in full before anything is
// written, so a failure never leaves a partial file.
func (s *Session) Export(format query.Format) error {
	var err error
	if lerr := s.do(func() { err = s.startExport(format) }); lerr != nil {
		return lerr
	}
	return err
}

func (s *Session) startExport(format query.Format) error {
	if s.export.InFlight {
		return ErrExportRunning
	}
	req := s.engine.ExportRequest(format)
	name := export.FileName(s.opts.AgentID, s.clock.Now(), format)
	s.export = ExportState{Open: true, InFlight: true, Format: format}

	s.async(func(ctx context.Context) func() {
		path, err := s.download(ctx, req, name)
		return func() {
			s.export.InFlight = false
			if err != nil {
				log.Warn().Err(err).Str("agent_id", s.opts.AgentID).Msg("export failed")
				s.export.Err = err.Error()
				return
			}
			log.Info().Str("path", path).Msg("export saved")
			s.export.Open = false
			s.export.Path = path
		}
	})
	return nil
}

func (s *Session) download(ctx context.Context, req query.ExportRequest, name string) (string, error) {
	data, err := s.collab.ExportExecutions(ctx, s.opts.WorkspaceID, s.opts.AgentID, req)
	if err != nil {
		return "", fmt.Errorf("exporting executions: %w", err)
	}
	return export.Save(s.opts.ExportDir, name, data)
}
