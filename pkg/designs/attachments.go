package designs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage"
)

// ErrStorageDisabled is returned when no object store is configured
var ErrStorageDisabled = errors.New("attachment storage is not configured")

// Upload describes an incoming attachment
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadAttachment validates, quota-checks and stores a file for a design
func (s *Service) UploadAttachment(ctx context.Context, orgID, id, userID string, up Upload) (*Attachment, error) {
	if s.objects == nil {
		return nil, ErrStorageDisabled
	}
	ct, err := storage.ValidateUpload(up.Filename, up.ContentType, up.Size, storage.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	if s.quotas != nil {
		if err := s.quotas.CheckStorageQuota(ctx, orgID, up.Size); err != nil {
			return nil, err
		}
	}
	if _, err := s.Get(ctx, orgID, id); err != nil {
		return nil, err
	}

	key := storage.AttachmentKey(orgID, id, up.Filename)
	info, err := s.objects.Put(ctx, key, up.Body, up.Size, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	att := Attachment{
		ID:          uuid.NewString(),
		Filename:    storage.SanitizeFilename(up.Filename),
		ContentType: ct,
		Size:        info.Size,
		Key:         key,
		Checksum:    info.Checksum,
		UploadedBy:  userID,
		UploadedAt:  s.now(),
	}
	if err := s.repo.AddAttachment(ctx, orgID, id, att); err != nil {
		if derr := s.objects.Delete(ctx, key); derr != nil {
			s.logger.WithError(derr).WithField("key", key).Warn("failed to remove orphaned attachment")
		}
		return nil, err
	}
	s.cache.Invalidate(ctx, orgID, id)

	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceStorage, att.Size)
	if s.metrics != nil {
		s.metrics.UploadBytesTotal.Add(float64(att.Size))
	}
	audit.Record(ctx, audit.EventTypeAttachmentUpload, audit.ResourceTypeAttachment, att.ID, map[string]interface{}{
		"design_id":    id,
		"filename":     att.Filename,
		"size":         att.Size,
		"content_type": att.ContentType,
	})
	if s.events != nil {
		s.events.PublishDesignEvent(ctx, Event{
			Type: EventAttachmentUploaded, OrgID: orgID, DesignID: id, UserID: userID,
			Payload: att, OccurredAt: s.now(),
		})
	}
	return &att, nil
}

// ListAttachments returns a design's attachments
func (s *Service) ListAttachments(ctx context.Context, orgID, id string) ([]Attachment, error) {
	d, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if d.Attachments == nil {
		return []Attachment{}, nil
	}
	return d.Attachments, nil
}

// OpenAttachment streams an attachment. The caller closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, orgID, id, attachmentID string) (io.ReadCloser, Attachment, error) {
	if s.objects == nil {
		return nil, Attachment{}, ErrStorageDisabled
	}
	d, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, Attachment{}, err
	}
	att, ok := d.Attachment(attachmentID)
	if !ok {
		return nil, Attachment{}, ErrAttachmentNotFound
	}
	rc, _, err := s.objects.Get(ctx, att.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, Attachment{}, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("failed to open attachment: %w", err)
	}
	return rc, att, nil
}

// DeleteAttachment removes an attachment record and its object
func (s *Service) DeleteAttachment(ctx context.Context, orgID, id, attachmentID, userID string) error {
	d, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	att, ok := d.Attachment(attachmentID)
	if !ok {
		return ErrAttachmentNotFound
	}
	if err := s.repo.RemoveAttachment(ctx, orgID, id, attachmentID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, orgID, id)
	if s.objects != nil {
		if err := s.objects.Delete(ctx, att.Key); err != nil {
			s.logger.WithError(err).WithField("key", att.Key).Warn("failed to delete attachment object")
		}
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceStorage, -att.Size)
	audit.Record(ctx, audit.EventTypeAttachmentDelete, audit.ResourceTypeAttachment, attachmentID,
		map[string]interface{}{"design_id": id, "filename": att.Filename})
	if s.events != nil {
		s.events.PublishDesignEvent(ctx, Event{
			Type: EventAttachmentDeleted, OrgID: orgID, DesignID: id, UserID: userID,
			Payload: map[string]string{"attachment_id": attachmentID}, OccurredAt: s.now(),
		})
	}
	return nil
}
