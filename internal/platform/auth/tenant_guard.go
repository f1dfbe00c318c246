package auth

// AssertSameTenant is the tenant isolation check applied to every
// loaded record. An empty tenant on either side never matches.
func AssertSameTenant(principalTenant, recordTenant string) Decision {
	if principalTenant == "" || recordTenant == "" || principalTenant != recordTenant {
		return Deny(ReasonCrossTenant, "tenant_guard")
	}
	return Allow("tenant_guard")
}
