package admin

import "strings"

// Selector identifies which scheduled queues an admin entry applies to
// (spec §4.I: "a selection predicate (domain, tenant, campaign, or
// ready-queue name)"). An empty field matches any value for that
// component; an all-zero Selector matches every queue.
type Selector struct {
	Domain   string
	Tenant   string
	Campaign string

	// ReadyQueue, if set, matches a ready-queue name
	// ("<source>-><site>@<protocol>") instead of a scheduled queue name.
	// A trailing "*" matches by prefix.
	ReadyQueue string
}

// MatchesSchedQueue reports whether the selector applies to the scheduled
// queue name (format "campaign:tenant:domain[@routing_domain]", spec §3).
func (s Selector) MatchesSchedQueue(queueName string) bool {
	if s.ReadyQueue != "" {
		return false
	}
	campaign, tenant, domain := splitSchedQueueName(queueName)
	if s.Campaign != "" && s.Campaign != campaign {
		return false
	}
	if s.Tenant != "" && s.Tenant != tenant {
		return false
	}
	if s.Domain != "" && s.Domain != domain {
		return false
	}
	return true
}

// MatchesReadyQueue reports whether the selector applies to the ready
// queue name (format "<source>-><site_name>@<protocol>", spec §4.G).
func (s Selector) MatchesReadyQueue(readyQueueName string) bool {
	if s.ReadyQueue == "" {
		return false
	}
	if strings.HasSuffix(s.ReadyQueue, "*") {
		return strings.HasPrefix(readyQueueName, strings.TrimSuffix(s.ReadyQueue, "*"))
	}
	return s.ReadyQueue == readyQueueName
}

func splitSchedQueueName(name string) (campaign, tenant, domain string) {
	name, _, _ = strings.Cut(name, "@") // drop routing domain suffix
	parts := strings.SplitN(name, ":", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
