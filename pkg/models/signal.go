package models

// SignalMode describes the work category a message asks for.
type SignalMode string

const (
	ModeExecute  SignalMode = "execute"
	ModeAssist   SignalMode = "assist"
	ModeAnalyze  SignalMode = "analyze"
	ModeBuild    SignalMode = "build"
	ModeMaintain SignalMode = "maintain"
)

// SignalGenre describes the speech act of a message.
type SignalGenre string

const (
	GenreDirect  SignalGenre = "direct"
	GenreInform  SignalGenre = "inform"
	GenreCommit  SignalGenre = "commit"
	GenreDecide  SignalGenre = "decide"
	GenreExpress SignalGenre = "express"
)

// SignalFormat describes the surface shape of a message.
type SignalFormat string

const (
	FormatMessage      SignalFormat = "message"
	FormatDocument     SignalFormat = "document"
	FormatNotification SignalFormat = "notification"
	FormatCommand      SignalFormat = "command"
	FormatTranscript   SignalFormat = "transcript"
)

// SignalConfidence indicates how certain the classifier is about the tuple.
type SignalConfidence string

const (
	ConfidenceHigh SignalConfidence = "high"
	ConfidenceLow  SignalConfidence = "low"
)

// Signal is the classification tuple derived for each inbound message.
// It gates how much processing the message receives.
type Signal struct {
	Mode       SignalMode       `json:"mode"`
	Genre      SignalGenre      `json:"genre"`
	Type       string           `json:"type"`
	Format     SignalFormat     `json:"format"`
	Weight     float64          `json:"weight"`
	Confidence SignalConfidence `json:"confidence"`
}
