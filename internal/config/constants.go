package config

// Constants defining default values for application configuration
const (
	DefaultChannelsCSVPath = "./channels.csv"
	DefaultDBPath          = "./channelwatch.db"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultWorkerCount = 0 // 0 means use runtime.NumCPU()

	// Rolling window within which posts are collected and ranked.
	DefaultWindowHours         = 24
	DefaultRetentionGraceHours = 48

	DefaultCollectInterval = "@every 15m"
	DefaultEnrichInterval  = "@every 5m"

	DefaultDegradedAfter    = 3
	DefaultUnreachableAfter = 7

	DefaultEnrichBatchSize         = 20
	DefaultEnrichRequestsPerMinute = 30

	DefaultCacheTTLMinutes = 5
	DefaultCacheMaxEntries = 512

	DefaultLogLevel = "info"
)
