package reporting

// Carriers bill outbound voice per started minute.
const billingIncrementSeconds = 60

// billableSeconds rounds a call's duration up to the billing increment after
// applying the minimum charge. Unanswered calls bill nothing.
func billableSeconds(actualSec, minSec, incrementSec int) int {
	if actualSec <= 0 {
		return 0
	}
	if incrementSec <= 0 {
		incrementSec = billingIncrementSeconds
	}
	sec := max(actualSec, minSec)

	q := sec / incrementSec
	if sec%incrementSec != 0 {
		q++
	}
	return q * incrementSec
}

// BillableMinutes is the number of started minutes a call is billed for.
func BillableMinutes(durationSeconds int) int {
	return billableSeconds(durationSeconds, 0, billingIncrementSeconds) / 60
}
