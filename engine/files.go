package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

// FetchFileList replaces the directory cache with the device's recordings.
// A silent fetch still publishes FileListChanged, flagged so the sync
// orchestrator does not start another processing pass.
func (e *Engine) FetchFileList(ctx context.Context, silent bool) ([]protocol.FileEntry, error) {
	var entries []protocol.FileEntry
	err := e.gate.WithOperation(ctx, opgate.FetchingFileList, func(ctx context.Context) error {
		payload, err := e.sendCommand(ctx, opgate.FetchingFileList, protocol.ListFiles(e.cfg.Transfer.RecordingExtension), e.cfg.Timeouts.FileList())
		if err != nil {
			return err
		}
		entries, err = protocol.ParseFileList(payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch file list: %w", err)
	}

	e.files.Set(entries)
	logger.Info(logPrefix, "📂 %d file(s) on device", len(entries))
	e.publish(Event{Kind: EventFileListChanged, Files: entries, Silent: silent})
	return entries, nil
}

// DeleteFile removes name from the device, retrying up to MaxDeleteRetries
// times after the first attempt. On success the entry is dropped from the
// directory cache; on exhaustion the cache is left unchanged so a later sync
// retries.
func (e *Engine) DeleteFile(ctx context.Context, name string) error {
	attempts := e.cfg.Transfer.MaxDeleteRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = e.gate.WithOperation(ctx, opgate.DeletingFile, func(ctx context.Context) error {
			payload, err := e.sendCommand(ctx, opgate.DeletingFile, protocol.DeleteFile(name), e.cfg.Timeouts.DeleteAck())
			if err != nil {
				return err
			}
			if !strings.HasPrefix(payload, protocol.DeleteOKPrefix) {
				return &protocol.ProtocolError{Raw: payload}
			}
			return nil
		})
		if lastErr == nil {
			e.files.Update(func(files []protocol.FileEntry) []protocol.FileEntry {
				return protocol.WithoutFile(files, name)
			})
			logger.Info(logPrefix, "🗑️  Deleted %s", name)
			e.publish(Event{Kind: EventFileDeleted, File: protocol.FileEntry{Name: name}})
			return nil
		}

		if ctx.Err() != nil || errors.Is(lastErr, protocol.ErrDisconnected) {
			return fmt.Errorf("delete %s: %w", name, lastErr)
		}
		logger.Warn(logPrefix, "⚠️  Delete %s attempt %d/%d failed: %v", name, attempt, attempts, lastErr)

		if attempt < attempts {
			if err := wait(ctx, e.LinkContext(), e.cfg.DeleteRetryDelay()); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
		}
	}
	return fmt.Errorf("delete %s after %d attempts: %w: %w", name, attempts, protocol.ErrRetriesExhausted, lastErr)
}
