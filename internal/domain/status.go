package domain

// JobState — состояние job в брокере.
//
// Жизненный цикл:
//
//	PENDING → ACTIVE → COMPLETED
//	                 ↘ PENDING (retry после backoff)
//	                 ↘ DEAD (попытки исчерпаны)
//
// Отложенный job — это PENDING с EligibleAt в будущем.
type JobState string

const (
	// JobStatePending — job в очереди, ждёт своего EligibleAt.
	JobStatePending JobState = "PENDING"

	// JobStateActive — job захвачен ровно одним воркером.
	JobStateActive JobState = "ACTIVE"

	// JobStateCompleted — handler завершился успешно.
	JobStateCompleted JobState = "COMPLETED"

	// JobStateDead — все попытки исчерпаны, нужен ручной разбор.
	JobStateDead JobState = "DEAD"
)

// String возвращает строковое представление JobState.
func (s JobState) String() string {
	return string(s)
}

// ParseJobState парсит строку в JobState.
// Возвращает false для неизвестного значения.
func ParseJobState(s string) (JobState, bool) {
	switch JobState(s) {
	case JobStatePending, JobStateActive, JobStateCompleted, JobStateDead:
		return JobState(s), true
	default:
		return "", false
	}
}
