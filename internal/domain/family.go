package domain

// Family — семейство фоновых задач.
//
// Каждое семейство владеет одноимённой очередью, в которую пишутся:
//   - tick job ("<family>.tick") от recurring schedule
//   - per-entity job ("<family>.run") от fan-out dispatcher
type Family string

// Семейства с recurring schedule.
const (
	FamilyTokenRefresh       Family = "token-refresh"
	FamilyAnalyticsSync      Family = "analytics-sync"
	FamilyAccountSnapshot    Family = "account-snapshot"
	FamilyKeywordTrend       Family = "keyword-trend"
	FamilyCompetitorSnapshot Family = "competitor-snapshot"
	FamilyEngagementSnapshot Family = "engagement-snapshot"
	FamilyAlertEvaluation    Family = "alert-evaluation"
	FamilyDataCleanup        Family = "data-cleanup"
)

// Очереди ad hoc submitters (вне fan-out цикла).
const (
	QueuePostPublish    = "post-publish"
	QueueReportGenerate = "report-generate"
)

// Имена jobs, создаваемых submitters.
const (
	JobPostPublish    = "post.publish"
	JobKeywordCollect = "keyword.collect"
	JobReportGenerate = "report.generate"
)

// Queue возвращает имя очереди семейства.
func (f Family) Queue() string {
	return string(f)
}

// TickJob возвращает имя tick job, которым recurring schedule запускает проход.
func (f Family) TickJob() string {
	return string(f) + ".tick"
}

// RunJob возвращает имя per-entity job.
func (f Family) RunJob() string {
	return string(f) + ".run"
}

// String возвращает строковое представление Family.
func (f Family) String() string {
	return string(f)
}

// FanoutFamilies — семейства, у которых есть fan-out dispatcher.
func FanoutFamilies() []Family {
	return []Family{
		FamilyTokenRefresh,
		FamilyAnalyticsSync,
		FamilyAccountSnapshot,
		FamilyKeywordTrend,
		FamilyCompetitorSnapshot,
		FamilyEngagementSnapshot,
		FamilyAlertEvaluation,
	}
}

// ScheduledFamilies — все семейства с recurring schedule (fan-out + cleanup).
func ScheduledFamilies() []Family {
	return append(FanoutFamilies(), FamilyDataCleanup)
}

// AllQueues возвращает имена всех очередей системы.
func AllQueues() []string {
	families := ScheduledFamilies()
	names := make([]string, 0, len(families)+2)
	for _, f := range families {
		names = append(names, f.Queue())
	}
	return append(names, QueuePostPublish, QueueReportGenerate)
}

// ParseFamily парсит строку в Family.
func ParseFamily(s string) (Family, bool) {
	for _, f := range ScheduledFamilies() {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}
