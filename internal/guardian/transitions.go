package guardian

import "cafe/dispatch-service/internal/models"

var transitionMap = map[string][]string{
	models.MembershipInside:     {models.MembershipUnvalidated, models.MembershipExiting},
	models.MembershipExiting:    {models.MembershipInside},
	models.MembershipTerminated: {models.MembershipUnvalidated, models.MembershipInside, models.MembershipExiting},
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
