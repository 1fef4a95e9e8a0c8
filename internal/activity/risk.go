package activity

import "strings"

// riskPattern flags a suspicious substring in tool arguments or results.
type riskPattern struct {
	substr   string
	severity int // 1-100
	desc     string
}

// flagThreshold is the max-severity at which an entry is auto-flagged.
const flagThreshold = 40

// riskPatterns is the table consulted on record-start and record-complete.
// Severities: destructive or exfiltrating operations score high, merely
// sensitive paths score in the middle, noisy-but-common strings score low.
var riskPatterns = []riskPattern{
	{"rm -rf", 90, "recursive force delete"},
	{"rm -fr", 90, "recursive force delete"},
	{"mkfs", 95, "filesystem format"},
	{"dd if=", 85, "raw disk write"},
	{":(){", 95, "fork bomb"},
	{"| sh", 80, "piped shell execution"},
	{"| bash", 80, "piped shell execution"},
	{"curl ", 45, "network fetch"},
	{"wget ", 45, "network fetch"},
	{"nc -", 70, "raw socket tool"},
	{"base64 -d", 60, "encoded payload decode"},
	{"chmod 777", 65, "world-writable permissions"},
	{"sudo ", 70, "privilege escalation"},
	{"/etc/passwd", 75, "credential file access"},
	{"/etc/shadow", 90, "credential file access"},
	{".ssh/", 80, "ssh key material"},
	{"id_rsa", 85, "ssh private key"},
	{".aws/credentials", 85, "cloud credential file"},
	{"api_key", 50, "api key reference"},
	{"apikey", 50, "api key reference"},
	{"secret", 40, "secret reference"},
	{"password", 45, "password reference"},
	{"token", 35, "token reference"},
	{"drop table", 85, "destructive sql"},
	{"delete from", 60, "bulk sql delete"},
	{"truncate table", 75, "destructive sql"},
	{"eval(", 55, "dynamic code evaluation"},
	{"exec(", 50, "dynamic code execution"},
	{"ignore previous", 70, "prompt injection marker"},
	{"ignore prior", 70, "prompt injection marker"},
	{"disregard instructions", 70, "prompt injection marker"},
}

// assessRisk scans text against the pattern table and returns the max
// severity plus the matched factor descriptions.
func assessRisk(text string) (score int, factors []string) {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	for _, p := range riskPatterns {
		if !strings.Contains(lower, p.substr) {
			continue
		}
		if p.severity > score {
			score = p.severity
		}
		if !seen[p.desc] {
			seen[p.desc] = true
			factors = append(factors, p.desc)
		}
	}
	return score, factors
}
