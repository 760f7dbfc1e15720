package realtime

import "github.com/oklog/ulid/v2"

// NewConnectionID returns a ULID identifying one websocket connection.
func NewConnectionID() string { return ulid.Make().String() }

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by creation time, which keeps log correlation simple.
func NewEnvelopeID() string { return ulid.Make().String() }

// NewBatchID returns a ULID identifying one committed batch across processes.
func NewBatchID() string { return ulid.Make().String() }
