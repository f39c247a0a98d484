// Package msgraph provides a Microsoft Graph mail client with rate limiting
// and retry logic.
package msgraph

import (
	"context"
	"time"
)

// FolderFinder resolves mail folder names to folder IDs.
type FolderFinder interface {
	// FindFolder returns the ID of the folder with the given display name.
	// Returns ErrFolderNotFound if the mailbox has no such folder.
	FindFolder(ctx context.Context, name string) (string, error)
}

// MessageReader provides read access to messages and attachments.
type MessageReader interface {
	// ListMessages returns a page of messages in the folder, newest first.
	// Pass the NextLink of the previous page to continue; an empty NextLink
	// in the response means the listing is exhausted. Each page fetch is
	// independent, so the caller may stop at any point.
	ListMessages(ctx context.Context, folderID string, nextLink string) (*MessagePage, error)

	// ListAttachments returns attachment metadata for a message. The content
	// is deliberately not included so that oversized payloads cannot fail
	// the metadata call.
	ListAttachments(ctx context.Context, messageID string) ([]Attachment, error)

	// DownloadAttachment fetches the raw bytes of a single attachment.
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// MessageDeleter provides write operations for removing messages.
type MessageDeleter interface {
	// DeleteMessage permanently deletes a message.
	DeleteMessage(ctx context.Context, messageID string) error
}

// MailSender sends outbound mail through the same mailbox.
type MailSender interface {
	// SendMail sends an HTML email with optional file attachments.
	SendMail(ctx context.Context, msg *OutgoingMail) error
}

// API defines the interface for Graph mailbox operations.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	FolderFinder
	MessageReader
	MessageDeleter
	MailSender
}

// Message represents a message reference from list operations.
type Message struct {
	ID             string
	Subject        string
	ReceivedAt     time.Time
	HasAttachments bool
}

// MessagePage contains one page of a folder listing.
type MessagePage struct {
	Messages []Message
	NextLink string
}

// Attachment represents attachment metadata.
type Attachment struct {
	ID   string
	Name string
	Size int64
}

// OutgoingMail is an HTML email with optional attachments.
type OutgoingMail struct {
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []OutgoingAttachment
}

// OutgoingAttachment is a file attached to an outgoing email.
type OutgoingAttachment struct {
	Name        string
	ContentType string
	Content     []byte
}
