package therapy

import (
	"context"
	"strconv"
	"strings"

	"github.com/ayurcare/emr/internal/platform/auth"
)

const (
	CyclesTopic = "cycles"

	EventCycleCreated   = "cycle.created"
	EventStageCompleted = "stage.completed"
	EventCycleCompleted = "cycle.completed"
	EventCycleCancelled = "cycle.cancelled"

	resourceCycle = "TherapyCycle"
	resourceStage = "TherapyStage"
)

func PatientTopic(patientID int64) string {
	return "patient/" + strconv.FormatInt(patientID, 10)
}

// CanSubscribe reports whether the caller may follow topic: staff may watch
// every cycle, patients only their own.
func CanSubscribe(ctx context.Context, topic string) bool {
	if topic == CyclesTopic {
		return auth.HasRole(ctx, auth.RoleDoctor) || auth.HasRole(ctx, auth.RoleIntern) || auth.HasRole(ctx, auth.RoleAdmin)
	}
	raw, ok := strings.CutPrefix(topic, "patient/")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return false
	}
	return auth.CanActForPatient(ctx, id)
}
