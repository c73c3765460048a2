package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize256KB is 256 kilobytes
	BufferSize256KB = 256 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Request limits
const (
	// MaxRequestBodyBytes bounds the size of an inbound chat request body
	MaxRequestBodyBytes = BufferSize1MB
	// MaxMessageLength is the maximum number of characters in a user message
	MaxMessageLength = 8000
	// MaxHistoryContentLength is the maximum number of characters kept per history turn
	MaxHistoryContentLength = 8000
	// DefaultMaxHistory is the number of history turns forwarded to the model
	DefaultMaxHistory = 20
)

// LLM default configurations
const (
	// DefaultModel is the upstream chat model used when none is configured
	DefaultModel = "gpt-4o-mini"
	// DefaultBaseURL is the OpenAI-compatible API root
	DefaultBaseURL = "https://api.openai.com/v1/"
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 1024
	// DefaultTemperature keeps tool selection fairly deterministic
	DefaultTemperature = 0.3
)

// Round limits. The controller never runs more than this many upstream calls
// or tool rounds for one request.
const (
	// MaxModelCalls is initial + follow-up + final
	MaxModelCalls = 3
	// MaxToolRounds is initial round + one follow-up (or retry) round
	MaxToolRounds = 2
)

// Timeouts for the three budget tiers
const (
	// DefaultModelCallTimeout bounds one upstream exchange
	DefaultModelCallTimeout = 25 * time.Second
	// DefaultToolCallTimeout bounds one tool execution
	DefaultToolCallTimeout = 10 * time.Second
	// DefaultTotalBudget bounds the whole request
	DefaultTotalBudget = 55 * time.Second
	// DefaultStreamIdleTimeout bounds a single upstream stream read
	DefaultStreamIdleTimeout = 20 * time.Second
)

// Server timeouts
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)
