// Package model holds the types shared by the device services: users, face
// matches, spoken answers and the JSON payloads exchanged with the cloud.
package model

import "time"

// CameraID names one of the two cameras the device drives.
type CameraID string

const (
	CameraExternal CameraID = "external"
	CameraInternal CameraID = "internal"
)

// User is a locally registered visitor.
type User struct {
	ID        string    `json:"-"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FaceStatus is the outcome of a face identification.
type FaceStatus string

const (
	FaceKnown   FaceStatus = "KNOWN_PERSON"
	FaceUnknown FaceStatus = "UNKNOWN_PERSON"
	FaceNone    FaceStatus = "NO_FACE"
)

// Identification is returned by the face processor.
type Identification struct {
	Status   FaceStatus
	UserID   string
	Distance float64
}

// Answer is the tri-state result of a yes/no question.
type Answer int

const (
	AnswerNone Answer = iota
	AnswerYes
	AnswerNo
)

func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	default:
		return "none"
	}
}

// Permission levels understood by the cloud.
const (
	PermissionAllowed = "Allowed"
	PermissionDenied  = "Denied"
)

// Identifier types for package lookups.
const (
	IdentifierOrderID        = "order_id"
	IdentifierTrackingNumber = "tracking_number"
)

// Package statuses the device reads or writes.
const (
	PackageStatusPending   = "pending"
	PackageStatusDelivered = "delivered"
)

// UploadURLRequestVisitor is published to request a pre-signed URL for a registration image.
type UploadURLRequestVisitor struct {
	FaceTagID       string `json:"face_tag_id"`
	VisitorName     string `json:"visitor_name"`
	PermissionLevel string `json:"permission_level"`
}

// UploadURLRequestMessage is published to request a pre-signed URL for a video message.
type UploadURLRequestMessage struct {
	VisitorFaceTagID string `json:"visitor_face_tag_id"`
	DurationSec      string `json:"duration_sec"`
}

// UploadURLResponse carries a pre-signed PUT URL and the headers that must accompany it.
type UploadURLResponse struct {
	PresignedURL            string            `json:"presigned_url"`
	RequiredMetadataHeaders map[string]string `json:"required_metadata_headers"`
	Error                   string            `json:"error,omitempty"`
}

// PermissionRequest asks whether a registered face may leave messages.
type PermissionRequest struct {
	FaceTagID string `json:"face_tag_id"`
}

// PackageRequest looks a package up by one of its identifiers.
type PackageRequest struct {
	IdentifierType  string `json:"identifier_type"`
	IdentifierValue string `json:"identifier_value"`
}

// PermissionResponse answers a permissions check.
type PermissionResponse struct {
	PermissionExists bool   `json:"permission_exists"`
	PermissionLevel  string `json:"permission_level,omitempty"`
	VisitorName      string `json:"visitor_name,omitempty"`
}

// PackageDetails is the cloud-side view of a package.
type PackageDetails struct {
	Status         string `json:"status"`
	OrderID        string `json:"order_id,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	ItemName       string `json:"item_description,omitempty"`
}

// PackageResponse answers a package lookup. PackageSame is only set by the
// local validator used during the internal scan.
type PackageResponse struct {
	PackageFound bool            `json:"package_found"`
	PackageSame  bool            `json:"package_same,omitempty"`
	Details      *PackageDetails `json:"details,omitempty"`
}

// Accepted reports whether a scanner validation response counts as positive.
func (p *PackageResponse) Accepted() bool {
	if p == nil {
		return false
	}
	if p.PackageSame {
		return true
	}
	return p.PackageFound && p.Details != nil && p.Details.Status == PackageStatusPending
}

// StatusUpdateResponse answers a package status update.
type StatusUpdateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NFCVerifyRequest is published to validate a scanned tag.
type NFCVerifyRequest struct {
	NFCIDScanned string `json:"nfc_id_scanned"`
}

// NFCVerifyResponse answers an NFC tag validation.
type NFCVerifyResponse struct {
	IsValid          bool   `json:"is_valid"`
	UserIDAssociated string `json:"user_id_associated,omitempty"`
	TagFriendlyName  string `json:"tag_friendly_name,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// LogEvent is submitted fire-and-forget to the cloud.
type LogEvent struct {
	Timestamp    string         `json:"log_timestamp"`
	EventType    string         `json:"event_type"`
	Summary      string         `json:"summary"`
	EventDetails map[string]any `json:"event_details"`
}

// Event types submitted by the flows and the RFID listener.
const (
	EventVisitorDetected    = "visitor_detected"
	EventVisitorRegistered  = "visitor_registered"
	EventVisitorDenied      = "visitor_denied"
	EventVisitorMessage     = "visitor_message_sent"
	EventPermissionMismatch = "permission_inconsistency"
	EventPackageValidated   = "package_validated"
	EventPackageDetected    = "package_detected"
	EventPackageRejected    = "package_rejected"
	EventNFCAccessGranted   = "nfc_access_granted"
	EventNFCAccessDenied    = "nfc_access_denied"
	EventInteractionAborted = "interaction_aborted"
)
