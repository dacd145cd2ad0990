package util

const (
	// package keys
	PackageKey = "package"

	PackageMain      = "main"
	PackageAnalysis  = "analysis"
	PackageBatch     = "batch"
	PackageChat      = "chat"
	PackageConfig    = "config"
	PackageCurator   = "curator"
	PackageDuplicate = "duplicate"
	PackageHost      = "host"
	PackageLlm       = "llm"
	PackageNormalize = "normalize"
	PackageRatelimit = "ratelimit"
	PackageSearch    = "search"
	PackageStore     = "store"

	// component keys
	ComponentKey = "component"

	ComponentMain            = "main"
	ComponentCurator         = "curator"
	ComponentAnalysisClient  = "analysis client"
	ComponentAnalysisHandler = "analysis handler"
	ComponentBatchManager    = "batch manager"
	ComponentBatchHandler    = "batch handler"
	ComponentJobQueue        = "job queue"
	ComponentProcessor       = "ingest processor"
	ComponentChatBridge      = "chat bridge"
	ComponentChatHandler     = "chat handler"
	ComponentConfigStore     = "config store"
	ComponentConfigHandler   = "config handler"
	ComponentDuplicateTools  = "duplicate tools"
	ComponentAdminHandler    = "admin handler"
	ComponentHostClient      = "photo host client"
	ComponentLlmClient       = "llm client"
	ComponentNormalizer      = "image normalizer"
	ComponentRateLimiter     = "rate limiter"
	ComponentSearchEngine    = "search engine"
	ComponentSearchHandler   = "search handler"
	ComponentVerifier        = "vision verifier"
	ComponentAlbumStore      = "album store"
	ComponentStatusHandler   = "status handler"

	// service keys
	ServiceKey = "service"

	ServiceCurator = "muse"
)
