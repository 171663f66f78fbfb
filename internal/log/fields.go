// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID  = "session_id"
	FieldRequestID  = "request_id"
	FieldRoom       = "room"
	FieldTransferID = "transfer_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldVariant   = "variant"

	// Transfer fields
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
	FieldBytes       = "bytes"
	FieldMimeType    = "mime_type"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"

	// Network fields
	FieldRemoteAddr = "remote_addr"
	FieldPort       = "port"
)
