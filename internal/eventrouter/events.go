package eventrouter

// Event names on the server->client channel. All JSON payloads unless the
// event is carried as a binary frame (audio-data, sdr-fft-data).
const (
	EventAudioData                   = "audio-data"
	EventSDRFFTData                  = "sdr-fft-data"
	EventSatelliteTracking           = "satellite-tracking"
	EventUITrackerState              = "ui-tracker-state"
	EventScheduledObservationsChanged = "scheduled-observations-changed"
	EventObservationStatusUpdate     = "observation-status-update"
	EventSessionRuntimeSnapshot      = "session-runtime-snapshot"
	EventSystemInfo                  = "system-info"
	EventFileBrowserState            = "file-browser-state"
)

// Command buses on the client->server channel. data_request carries reads,
// data_submission carries writes; both take (cmd, data) and answer with
// {success, data|error}.
const (
	BusDataRequest    = "data_request"
	BusDataSubmission = "data_submission"
)

// Binary frame tags. A binary WebSocket message whose first byte is one of
// these tags carries that event's payload directly; a binary message
// starting with the gzip magic (0x1f 0x8b) is a compressed JSON event.
const (
	TagAudioData byte = 0x01 // RTP-framed audio
	TagFFTData   byte = 0x02 // f32le power row
)
