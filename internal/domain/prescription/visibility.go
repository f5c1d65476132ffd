package prescription

// Resolution is the outcome of a visibility check for one read.
type Resolution struct {
	RevealPayload bool
}

// Resolve decides whether the scannable payload may be revealed to the
// viewer. Once every medication line has been priced, the payload (and the
// pricing embedded in it) is redacted for everyone but admins. The rule is
// re-evaluated on every read rather than stored, so it cannot drift from the
// underlying pricing state. A prescription with no lines is never considered
// priced and stays visible until pricing is actually recorded.
func Resolve(p *Prescription, viewer Role) Resolution {
	if p.AllPriced() && viewer != RoleAdmin {
		return Resolution{RevealPayload: false}
	}
	return Resolution{RevealPayload: true}
}
