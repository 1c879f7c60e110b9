package domain

import "time"

// Core domain models shared by collectors, analysis and the orchestrator.
// JSON tags match the event stream payloads.

// ScrapedData is everything collected about one URL for one run. Built once
// by the collector set and treated as read-only afterwards.
type ScrapedData struct {
	URL             string          `json:"url"`
	FinalURL        string          `json:"finalUrl"`
	LoadTimeMs      int64           `json:"loadTimeMs"`
	StatusCode      int             `json:"statusCode"`
	SSL             SSLInfo         `json:"ssl"`
	Title           string          `json:"title"`
	MetaDescription string          `json:"metaDescription"`
	Headings        Headings        `json:"headings"`
	BodyText        string          `json:"bodyText"`
	CTAs            []string        `json:"ctas"`
	NavLinks        []Link          `json:"navLinks"`
	SocialLinks     []string        `json:"socialLinks"`
	Emails          []string        `json:"emails"`
	Technical       TechnicalFlags  `json:"technical"`
	Traffic         *TrafficSignals `json:"traffic,omitempty"`
	Design          *DesignSignals  `json:"design,omitempty"`
	Pages           []PageSnapshot  `json:"pages,omitempty"`
	Screenshots     *Screenshots    `json:"screenshots,omitempty"`
	CollectedAt     time.Time       `json:"collectedAt"`
}

type SSLInfo struct {
	Enabled   bool       `json:"enabled"`
	Valid     bool       `json:"valid"`
	Issuer    string     `json:"issuer,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type Headings struct {
	H1 []string `json:"h1"`
	H2 []string `json:"h2"`
	H3 []string `json:"h3"`
}

type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

type TechnicalFlags struct {
	HasAnalytics bool `json:"hasAnalytics"`
	HasForms     bool `json:"hasForms"`
	HasViewport  bool `json:"hasViewport"`
}

// TrafficSignals are crawl/SEO hints gathered outside the main page.
type TrafficSignals struct {
	HasRobotsTxt    bool     `json:"hasRobotsTxt"`
	SitemapURL      string   `json:"sitemapUrl,omitempty"`
	SitemapURLCount int      `json:"sitemapUrlCount"`
	Canonical       string   `json:"canonical,omitempty"`
	Hreflangs       []string `json:"hreflangs,omitempty"`
	StructuredData  []string `json:"structuredData,omitempty"`
}

// DesignSignals are cheap DOM heuristics for visual quality.
type DesignSignals struct {
	ImageCount       int      `json:"imageCount"`
	ImagesMissingAlt int      `json:"imagesMissingAlt"`
	InlineStyleCount int      `json:"inlineStyleCount"`
	FontFamilies     []string `json:"fontFamilies,omitempty"`
	ColorCount       int      `json:"colorCount"`
	ButtonCount      int      `json:"buttonCount"`
	HasFavicon       bool     `json:"hasFavicon"`
}

// PageSnapshot is the reduced view of one crawled page.
type PageSnapshot struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	MetaDescription string `json:"metaDescription"`
	H1              string `json:"h1"`
	StatusCode      int    `json:"statusCode"`
	LoadTimeMs      int64  `json:"loadTimeMs"`
	HasViewport     bool   `json:"hasViewport"`
	WordCount       int    `json:"wordCount"`
}

type Screenshots struct {
	Desktop string `json:"desktop,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
}

// ProbeResult is the fast reachability check run ahead of full collection.
type ProbeResult struct {
	Reachable  bool    `json:"reachable"`
	StatusCode int     `json:"statusCode"`
	SSL        SSLInfo `json:"ssl"`
	Error      string  `json:"error,omitempty"`
}

// PerformanceSnapshot is one strategy's (mobile/desktop) lab result.
type PerformanceSnapshot struct {
	Score                  int     `json:"score"`
	FirstContentfulPaintMs float64 `json:"firstContentfulPaintMs"`
	LargestContentfulPaint float64 `json:"largestContentfulPaintMs"`
	TotalBlockingTimeMs    float64 `json:"totalBlockingTimeMs"`
	CumulativeLayoutShift  float64 `json:"cumulativeLayoutShift"`
	SpeedIndexMs           float64 `json:"speedIndexMs"`
}

// PerformanceMetrics holds both strategies; nil means no data.
type PerformanceMetrics struct {
	Mobile  *PerformanceSnapshot `json:"mobile"`
	Desktop *PerformanceSnapshot `json:"desktop"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Issue struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Impact      string   `json:"impact"`
}

type PassingItem struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Value       *string `json:"value,omitempty"`
}

// CategoryScore is the result of scoring one category.
type CategoryScore struct {
	Category        Category      `json:"category"`
	Name            string        `json:"name"`
	Score           int           `json:"score"`
	Weight          int           `json:"weight"`
	Issues          []Issue       `json:"issues"`
	Passing         []PassingItem `json:"passing"`
	Recommendations []string      `json:"recommendations"`
}

type WebsiteBrief struct {
	BusinessName        string `json:"businessName"`
	BusinessDescription string `json:"businessDescription"`
	TargetAudience      string `json:"targetAudience"`
	Industry            string `json:"industry"`
	SiteType            string `json:"siteType"`
	TotalPages          int    `json:"totalPages"`
	WebsiteType         string `json:"websiteType,omitempty"`
	SiteStructure       string `json:"siteStructure,omitempty"`
}

type TokenUsage struct {
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	TotalTokens   int64   `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

type PageScore struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	StatusCode int      `json:"statusCode"`
	Score      int      `json:"score"`
	Notes      []string `json:"notes"`
}

type PageScores struct {
	All   []PageScore `json:"all"`
	Best  *PageScore  `json:"best"`
	Worst *PageScore  `json:"worst"`
}

// AuditResult is the terminal aggregate of a run.
type AuditResult struct {
	ID           string             `json:"id"`
	URL          string             `json:"url"`
	OverallScore int                `json:"overallScore"`
	Categories   []CategoryScore    `json:"categories"`
	Summary      string             `json:"summary"`
	Pages        PageScores         `json:"pages"`
	Brief        WebsiteBrief       `json:"brief"`
	TokenUsage   TokenUsage         `json:"tokenUsage"`
	Performance  PerformanceMetrics `json:"performance"`
	CreatedAt    time.Time          `json:"createdAt"`
	CompletedAt  time.Time          `json:"completedAt"`
}

// Entitlement is the caller's plan-derived allowance.
type Entitlement struct {
	Allowed           bool       `json:"allowed"`
	Reason            string     `json:"reason,omitempty"`
	AuditsRemaining   int        `json:"auditsRemaining"`
	AuditsLimit       int        `json:"auditsLimit"`
	PagesLimit        int        `json:"pagesLimit"`
	AllowedCategories []Category `json:"allowedCategories"`
	UpgradeURL        string     `json:"upgradeUrl,omitempty"`
}

// AuditRequest is what a caller asks for.
type AuditRequest struct {
	URL        string     `json:"url"`
	Pages      int        `json:"pages"`
	Categories []Category `json:"categories,omitempty"`
	Admin      bool       `json:"admin"`
	CallerID   string     `json:"callerId,omitempty"`
	SourceIP   string     `json:"sourceIp,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	// RecordID is set when the audit record already exists (queued audits).
	RecordID string `json:"recordId,omitempty"`
}

// AuditRecord is a persisted audit row as read back by profile lookups.
type AuditRecord struct {
	ID         string
	URL        string
	Domain     string
	Status     string // queued|running|completed|failed
	Progress   float64
	Score      *int
	Result     *AuditResult
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}
