package sync

import "time"

// Decision что делать с операцией после сверки с текущим состоянием сервера
type Decision int

const (
	// DecisionApply применить мутацию
	DecisionApply Decision = iota
	// DecisionNoop ничего не менять, но считать операцию успешной
	DecisionNoop
	// DecisionConflict зафиксировать конфликт
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionNoop:
		return "noop"
	case DecisionConflict:
		return "conflict"
	}
	return "unknown"
}

// Detection результат классификации
type Detection struct {
	Decision     Decision
	ConflictType ConflictType
}

// Detect классифицирует входящую операцию относительно текущей серверной записи.
// current == nil означает, что записи нет.
//
// UPDATE/DELETE по отсутствующей или удаленной записи считаются успешным no-op:
// состояние уже сошлось, конфликт был бы ложным.
func Detect(op Operation, current *Entity) Detection {
	if op.Kind == OpCreate {
		return Detection{Decision: DecisionApply}
	}

	if current == nil || current.Deleted() {
		return Detection{Decision: DecisionNoop}
	}

	if op.BaseUpdatedAt != nil && sameInstant(*op.BaseUpdatedAt, current.UpdatedAt) {
		return Detection{Decision: DecisionApply}
	}

	if op.Kind == OpDelete {
		return Detection{Decision: DecisionConflict, ConflictType: ConflictDeleteUpdate}
	}
	return Detection{Decision: DecisionConflict, ConflictType: ConflictVersionMismatch}
}

// sameInstant сравнивает метки с точностью хранилища (микросекунды)
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
