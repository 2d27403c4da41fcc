package risk

// RebalanceMode is the outcome class of a panic rebalancing plan.
type RebalanceMode int

const (
	RebalanceFull RebalanceMode = iota
	RebalanceProportional
	RebalanceSkip
)

func (m RebalanceMode) String() string {
	switch m {
	case RebalanceFull:
		return "full"
	case RebalanceProportional:
		return "proportional"
	case RebalanceSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// RebalancePlan assigns each symbol a margin budget for evening its sides.
type RebalancePlan struct {
	Mode      RebalanceMode
	TotalNeed float64
	Budgets   map[string]float64 // symbol -> granted margin
}

// PlanRebalance distributes available margin across imbalanced symbols.
// Enough for everyone means everyone is balanced fully; a shortfall is split
// proportionally by each symbol's share of the total need; below minMargin no
// order is worth placing at all.
func PlanRebalance(profiles []Profile, available, minMargin float64) RebalancePlan {
	plan := RebalancePlan{Budgets: make(map[string]float64)}
	for _, p := range profiles {
		if p.ImbalanceMargin > 0 {
			plan.TotalNeed += p.ImbalanceMargin
		}
	}
	if plan.TotalNeed == 0 {
		plan.Mode = RebalanceSkip
		return plan
	}
	if available < minMargin {
		plan.Mode = RebalanceSkip
		return plan
	}

	if available >= plan.TotalNeed {
		plan.Mode = RebalanceFull
		for _, p := range profiles {
			if p.ImbalanceMargin > 0 {
				plan.Budgets[p.Symbol] = p.ImbalanceMargin
			}
		}
		return plan
	}

	plan.Mode = RebalanceProportional
	for _, p := range profiles {
		if p.ImbalanceMargin > 0 {
			plan.Budgets[p.Symbol] = available * (p.ImbalanceMargin / plan.TotalNeed)
		}
	}
	return plan
}
