package dispatch

import "cafe/dispatch-service/internal/models"

// transitionMap lists, for each target status, the statuses it may be
// entered from.
var transitionMap = map[string][]string{
	models.AssignmentOffering:   {models.AssignmentCreated, models.AssignmentEscalating},
	models.AssignmentEscalating: {models.AssignmentOffering},
	models.AssignmentAccepted:   {models.AssignmentOffering},
	models.AssignmentExhausted:  {models.AssignmentCreated, models.AssignmentEscalating},
	models.AssignmentCancelled:  {models.AssignmentOffering, models.AssignmentEscalating},
}

func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
