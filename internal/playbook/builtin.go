package playbook

// builtinPlaybooks is the closed remediation set. Each playbook reads
// the resource's current state first so the execution log captures
// what was about to change.
func builtinPlaybooks() []Playbook {
	return []Playbook{
		{
			Name:        "isolate-instance",
			Description: "Move a compromised EC2 instance into the quarantine security group",
			Params:      []string{"quarantine_sg"},
			ReadSteps: []Step{
				{Name: "describe-instance", Command: []string{"aws", "ec2", "describe-instances", "--instance-ids", "{resource}", "--output", "json"}},
			},
			MutateSteps: []Step{
				{Name: "apply-quarantine-sg", Command: []string{"aws", "ec2", "modify-instance-attribute", "--instance-id", "{resource}", "--groups", "{quarantine_sg}"}},
			},
		},
		{
			Name:        "revoke-sg-rule",
			Description: "Revoke one ingress rule from a security group",
			Params:      []string{"protocol", "port", "cidr"},
			ReadSteps: []Step{
				{Name: "describe-sg", Command: []string{"aws", "ec2", "describe-security-groups", "--group-ids", "{resource}", "--output", "json"}},
			},
			MutateSteps: []Step{
				{Name: "revoke-ingress", Command: []string{"aws", "ec2", "revoke-security-group-ingress", "--group-id", "{resource}", "--protocol", "{protocol}", "--port", "{port}", "--cidr", "{cidr}"}},
			},
		},
		{
			Name:        "snapshot-volume",
			Description: "Snapshot an EBS volume before any destructive follow-up",
			ReadSteps: []Step{
				{Name: "describe-volume", Command: []string{"aws", "ec2", "describe-volumes", "--volume-ids", "{resource}", "--output", "json"}},
			},
			MutateSteps: []Step{
				{Name: "create-snapshot", Command: []string{"aws", "ec2", "create-snapshot", "--volume-id", "{resource}", "--description", "triageflux pre-remediation snapshot"}},
			},
		},
		{
			Name:        "disable-credential",
			Description: "Deactivate a leaked IAM access key",
			Params:      []string{"username"},
			ReadSteps: []Step{
				{Name: "list-access-keys", Command: []string{"aws", "iam", "list-access-keys", "--user-name", "{username}", "--output", "json"}},
			},
			MutateSteps: []Step{
				{Name: "deactivate-key", Command: []string{"aws", "iam", "update-access-key", "--user-name", "{username}", "--access-key-id", "{resource}", "--status", "Inactive"}},
			},
		},
		{
			Name:        "quarantine-bucket",
			Description: "Block all public access on an exposed S3 bucket",
			ReadSteps: []Step{
				{Name: "get-bucket-policy-status", Command: []string{"aws", "s3api", "get-bucket-policy-status", "--bucket", "{resource}", "--output", "json"}},
			},
			MutateSteps: []Step{
				{Name: "block-public-access", Command: []string{"aws", "s3api", "put-public-access-block", "--bucket", "{resource}", "--public-access-block-configuration", "BlockPublicAcls=true,IgnorePublicAcls=true,BlockPublicPolicy=true,RestrictPublicBuckets=true"}},
			},
		},
	}
}
