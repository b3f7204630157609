package handlers

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/storelane/backend/internal/blob"
	"github.com/storelane/backend/internal/classifier"
	"github.com/storelane/backend/internal/dispatch"
	"github.com/storelane/backend/internal/jobs"
	"github.com/storelane/backend/internal/mail"
)

// ============================================================================
// INBOUND MAIL EVENTS
// ============================================================================

// Attachments above this size or outside the allowed types are skipped, never
// stored. The receipt row still lands; only the blob is dropped.
const maxAttachmentBytes = 10 << 20

var allowedAttachmentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"text/plain":      true,
	"text/csv":        true,
}

// attachmentAllowed gates receipt attachments on declared type and size.
// Parameters beyond the type (charset etc) are ignored.
func attachmentAllowed(contentType string, size int64) bool {
	if size > maxAttachmentBytes {
		return false
	}
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	return allowedAttachmentTypes[strings.ToLower(strings.TrimSpace(base))]
}

func decodeMail(ev dispatch.Event) (*mail.Inbound, error) {
	var msg mail.Inbound
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode mail payload: %w", err)
	}
	return &msg, nil
}

// ----------------------------------------------------------------------------
// Treasury
// ----------------------------------------------------------------------------

// handleMailTreasury parses the approval verdict and records the
// communication. The advance job only fires on a clear verdict; unclear
// messages wait for a human.
func (d *Deps) handleMailTreasury(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	msg, err := decodeMail(ev)
	if err != nil {
		return err
	}

	requestID := classifier.ExtractRequestID(msg.Subject)
	approval := classifier.ParseApproval(msg.Subject, msg.Body())

	var reqID any
	if requestID != "" {
		reqID = requestID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_communications
			(request_id, direction, verdict, confidence, matched_keywords, subject, from_address)
		VALUES ($1, 'inbound', $2, $3, $4, $5, $6)`,
		reqID, approval.Verdict, approval.Confidence,
		strings.Join(approval.MatchedKeywords, ","), msg.Subject, msg.SenderAddress())
	if err != nil {
		return fmt.Errorf("record treasury communication: %w", err)
	}

	if requestID != "" && approval.Verdict != classifier.VerdictUnclear {
		return jobs.Spool(ctx, tx, JobTreasuryAdvance, map[string]string{
			"request_id": requestID,
			"verdict":    approval.Verdict,
			"confidence": approval.Confidence,
		})
	}
	return nil
}

// ----------------------------------------------------------------------------
// Receipts
// ----------------------------------------------------------------------------

func (d *Deps) handleMailReceipts(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	msg, err := decodeMail(ev)
	if err != nil {
		return err
	}

	extracted := classifier.ExtractReceipt(msg.Subject + "\n" + msg.Body())
	var receiptDate any
	if extracted.DateISO != "" {
		receiptDate = extracted.DateISO
	}
	var vendor any
	if extracted.Vendor != "" {
		vendor = extracted.Vendor
	}

	var receiptID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO receipts (message_id, from_address, subject, amount_minor, receipt_date, vendor)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		msg.MessageID, msg.SenderAddress(), msg.Subject,
		extracted.AmountMinor, receiptDate, vendor).Scan(&receiptID)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}

	for _, att := range msg.Attachments {
		if !attachmentAllowed(att.ContentType, att.Size) {
			d.Logger.Printf("⚠️ Skipping receipt attachment: type=%s size=%d", att.ContentType, att.Size)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return fmt.Errorf("decode attachment %s: %w", att.Filename, err)
		}
		if int64(len(data)) > maxAttachmentBytes {
			d.Logger.Printf("⚠️ Skipping receipt attachment: declared size understated, actual=%d", len(data))
			continue
		}
		ref, err := d.Blob.Put(ctx,
			blob.ReceiptPath(ev.TenantSlug, att.Filename, time.Now()),
			att.ContentType, data)
		if err != nil {
			return fmt.Errorf("store attachment %s: %w", att.Filename, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO receipt_attachments (receipt_id, filename, content_type, size_bytes, storage_url)
			VALUES ($1, $2, $3, $4, $5)`,
			receiptID, blob.SanitizeFilename(att.Filename), att.ContentType, len(data), ref)
		if err != nil {
			return fmt.Errorf("record attachment %s: %w", att.Filename, err)
		}
	}

	return jobs.Spool(ctx, tx, JobReceiptProcess,
		map[string]int64{"receipt_id": receiptID})
}

// ----------------------------------------------------------------------------
// Support and creator threads
// ----------------------------------------------------------------------------

// threadByChain finds the open thread already holding any message this one
// references. Reply chains keep their thread even when the sender changes
// (forwards, CCed teammates).
func threadByChain(ctx context.Context, tx *sql.Tx, msg *mail.Inbound) (int64, bool, error) {
	refs := msg.References
	if msg.InReplyTo != "" {
		refs = append(refs, msg.InReplyTo)
	}
	if len(refs) == 0 {
		return 0, false, nil
	}

	var threadID int64
	err := tx.QueryRowContext(ctx, `
		SELECT t.id FROM threads t
		JOIN thread_messages m ON m.thread_id = t.id
		WHERE m.message_id = ANY($1) AND t.status = 'open'
		ORDER BY t.created_at DESC LIMIT 1`, pq.Array(refs)).Scan(&threadID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve thread chain: %w", err)
	}
	return threadID, true, nil
}

// appendToThread files the message into its reply chain's thread when one is
// open, otherwise into the sender's open thread for the purpose, creating
// contact and thread as needed.
func appendToThread(ctx context.Context, tx *sql.Tx, msg *mail.Inbound, purpose string) (int64, error) {
	sender := msg.SenderAddress()

	var contactID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO contacts (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`, sender).Scan(&contactID)
	if err != nil {
		return 0, fmt.Errorf("upsert contact %s: %w", sender, err)
	}

	threadID, found, err := threadByChain(ctx, tx, msg)
	if err != nil {
		return 0, err
	}
	if !found {
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM threads
			WHERE contact_id = $1 AND purpose = $2 AND status = 'open'
			ORDER BY created_at DESC LIMIT 1`, contactID, purpose).Scan(&threadID)
		if err == sql.ErrNoRows {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO threads (contact_id, purpose) VALUES ($1, $2)
				RETURNING id`, contactID, purpose).Scan(&threadID)
		}
		if err != nil {
			return 0, fmt.Errorf("resolve thread for %s: %w", sender, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_messages (thread_id, direction, message_id, in_reply_to, subject, body_text)
		VALUES ($1, 'inbound', $2, $3, $4, $5)`,
		threadID, msg.MessageID, msg.InReplyTo, msg.Subject, msg.Body())
	if err != nil {
		return 0, fmt.Errorf("insert thread message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET message_count = message_count + 1, last_inbound_at = now()
		WHERE id = $1`, threadID)
	if err != nil {
		return 0, fmt.Errorf("bump thread %d: %w", threadID, err)
	}
	return threadID, nil
}

func (d *Deps) handleMailSupport(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	msg, err := decodeMail(ev)
	if err != nil {
		return err
	}
	threadID, err := appendToThread(ctx, tx, msg, "support")
	if err != nil {
		return err
	}
	return jobs.Spool(ctx, tx, JobSupportNotify,
		map[string]int64{"thread_id": threadID})
}

// handleMailCreator routes mail from known creator contacts into a creator
// thread; anyone else falls back to the support flow.
func (d *Deps) handleMailCreator(ctx context.Context, tx *sql.Tx, ev dispatch.Event) error {
	msg, err := decodeMail(ev)
	if err != nil {
		return err
	}

	var isCreator bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_creator FROM contacts WHERE email = $1`,
		msg.SenderAddress()).Scan(&isCreator)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup contact: %w", err)
	}

	purpose := "support"
	if isCreator {
		purpose = "creator"
	}
	threadID, err := appendToThread(ctx, tx, msg, purpose)
	if err != nil {
		return err
	}
	return jobs.Spool(ctx, tx, JobSupportNotify,
		map[string]int64{"thread_id": threadID})
}
