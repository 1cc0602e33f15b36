package entities

import (
	"regexp"

	"github.com/sgerhart/triageflux/internal/model"
)

// Pattern binds an entity type to its surface recognizer. Recognizers
// are plain regular expressions; there is no contextual disambiguation.
type Pattern struct {
	Type model.EntityType
	Re   *regexp.Regexp
}

// patterns is the single shared registry used by extraction,
// investigation and correlation. Order matters: more specific
// recognizers run before the ones they would otherwise shadow
// (ARN before generic hostname, instance before hostname).
var patterns = []Pattern{
	{model.EntityAWSInstance, regexp.MustCompile(`\bi-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSSG, regexp.MustCompile(`\bsg-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSVPC, regexp.MustCompile(`\bvpc-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSSubnet, regexp.MustCompile(`\bsubnet-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSVolume, regexp.MustCompile(`\bvol-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSAMI, regexp.MustCompile(`\bami-[0-9a-fA-F]{8,17}\b`)},
	{model.EntityAWSAccessKey, regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{model.EntityCVE, regexp.MustCompile(`\bCVE-\d{4}-\d{4,7}\b`)},
	{model.EntityARN, regexp.MustCompile(`\barn:aws[a-zA-Z-]*:[a-z0-9-]*:[a-z0-9-]*:\d{0,12}:[^\s"']+`)},
	{model.EntityIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{model.EntityS3Bucket, regexp.MustCompile(`\bs3://([a-z0-9][a-z0-9.-]{2,62})\b`)},
	{model.EntityEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{model.EntityTicketID, regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}-\d{1,6}\b`)},
	{model.EntityHostname, regexp.MustCompile(`\b[a-z][a-z0-9-]*\.(?:internal|local|corp|prod|staging)\b`)},
}

// Patterns returns the shared pattern registry. Callers must not
// modify the returned slice.
func Patterns() []Pattern {
	return patterns
}

// urgencyPatterns are the textual urgency cues fed into the
// classification prompt. Matching is case-insensitive.
var urgencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\burgent\b`),
	regexp.MustCompile(`(?i)\basap\b`),
	regexp.MustCompile(`(?i)\bimmediately\b`),
	regexp.MustCompile(`(?i)\bemergency\b`),
	regexp.MustCompile(`(?i)\bcritical\b`),
	regexp.MustCompile(`(?i)\bhigh priority\b`),
	regexp.MustCompile(`(?i)\btoday\b`),
	regexp.MustCompile(`(?i)\beod\b`),
	regexp.MustCompile(`(?i)\bend of day\b`),
	regexp.MustCompile(`(?i)\bright away\b`),
	regexp.MustCompile(`(?i)\btime.?sensitive\b`),
	regexp.MustCompile(`(?i)\bdeadline\b`),
	regexp.MustCompile(`(?i)\bexpir(es?|ing)\b`),
}
