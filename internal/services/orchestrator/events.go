package orchestrator

import "siteaudit/internal/domain"

// Event is one item of a run's progress stream. On the wire it becomes
// "event: <Type>\ndata: <JSON of Data>\n\n".
type Event struct {
	Type string
	Data any
}

const (
	EventStatus    = "status"
	EventScraped   = "scraped"
	EventPageSpeed = "pagespeed"
	EventBrief     = "brief"
	EventCategory  = "category"
	EventPages     = "pages"
	EventComplete  = "complete"
	EventError     = "error"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseScraping  Phase = "scraping"
	PhasePageSpeed Phase = "pagespeed"
	PhaseBrief     Phase = "brief"
	PhaseAnalyzing Phase = "analyzing"
	PhaseSummary   Phase = "summary"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

type StatusData struct {
	Phase    Phase  `json:"phase"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

type ScrapedData struct {
	URL        string         `json:"url"`
	FinalURL   string         `json:"finalUrl"`
	Title      string         `json:"title"`
	StatusCode int            `json:"statusCode"`
	SSL        domain.SSLInfo `json:"ssl"`
	LoadTimeMs int64          `json:"loadTimeMs"`
}

type CategoryData struct {
	Category     domain.CategoryScore `json:"category"`
	RunningScore int                  `json:"runningScore"`
	Completed    int                  `json:"completed"`
	Total        int                  `json:"total"`
}

type PagesData struct {
	Pages []domain.PageScore `json:"pages"`
	Best  *domain.PageScore  `json:"best"`
	Worst *domain.PageScore  `json:"worst"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func statusEvent(phase Phase, message string, progress int) Event {
	return Event{Type: EventStatus, Data: StatusData{Phase: phase, Message: message, Progress: progress}}
}
