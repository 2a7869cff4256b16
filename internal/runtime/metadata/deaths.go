package metadata

// HeaderDeath is the header brokers use to annotate dead-lettered messages.
const HeaderDeath = "x-death"

// Death is one entry of the broker-supplied death history. Only reason, queue
// and count are relied upon; other fields vary between broker versions.
type Death struct {
	Reason   string
	Queue    string
	Exchange string
	Count    int64
}

// Deaths extracts the death history from the headers. Entries that do not look
// like a death record are skipped rather than reported.
func (h Headers) Deaths() []Death {
	raw, ok := h[HeaderDeath].([]any)
	if !ok {
		return nil
	}

	deaths := make([]Death, 0, len(raw))
	for _, entry := range raw {
		table := asTable(entry)
		if table == nil {
			continue
		}
		d := Death{
			Reason:   stringValue(table["reason"]),
			Queue:    stringValue(table["queue"]),
			Exchange: stringValue(table["exchange"]),
			Count:    intValue(table["count"]),
		}
		deaths = append(deaths, d)
	}
	return deaths
}

// DeathCount sums the death counts for the given queue whose reason is one of
// reasons. An empty queue matches every queue; no reasons matches every reason.
func (h Headers) DeathCount(queue string, reasons ...string) int64 {
	var total int64
	for _, d := range h.Deaths() {
		if queue != "" && d.Queue != queue {
			continue
		}
		if len(reasons) > 0 && !contains(reasons, d.Reason) {
			continue
		}
		total += d.Count
	}
	return total
}

func asTable(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case Headers:
		return t
	default:
		return nil
	}
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
