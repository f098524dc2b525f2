package core

// HistoryRequest bounds a property history query. A zero MaxNumData means
// "use the reader's configured maximum".
type HistoryRequest struct {
	From       Timestamp
	To         Timestamp
	MaxNumData int
}

// HistoryEntry is one value of a property at a point in time. IsLast marks the
// final value logged before the device was discontinued.
type HistoryEntry struct {
	Value     string
	Type      string
	Timestamp Timestamp
	IsLast    bool
}

// HistoryResult is the answer to a property history query.
type HistoryResult struct {
	DeviceID string
	Property string
	Entries  []HistoryEntry
	// StartClamped is set when the requested start lies before anything logged
	// for the device and the search started at the first logged entry instead.
	StartClamped bool
}

// ConfigValue is the last known value of one path.
type ConfigValue struct {
	Value     string
	Type      string
	Timestamp Timestamp
}

// ConfigurationSnapshot is a reconstructed device configuration.
type ConfigurationSnapshot struct {
	DeviceID      string
	Timepoint     Timestamp
	Configuration map[string]ConfigValue
	Schema        *Schema
	// AtTimepoint is false when the device was not logging at Timepoint and the
	// configuration is the last one known before it went away.
	AtTimepoint bool
	// ConfigTimepoint is the newest timestamp among the returned values.
	ConfigTimepoint Timestamp
}
