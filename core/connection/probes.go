package connection

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"remote-trainer/core/models"
)

// GatewayClient is the provider query surface used to discover a gateway login
type GatewayClient interface {
	// InstanceField returns the string value at path on the instance object ("" when null)
	InstanceField(ctx context.Context, instanceID string, path ...string) (string, error)
	// TypeFields introspects the fields of an API type
	TypeFields(ctx context.Context, typeName string) ([]models.SchemaField, error)
}

// Probe is one gateway discovery strategy. It returns a user@host login when it finds one.
type Probe func(ctx context.Context, gw GatewayClient, instanceID string) (login string, ok bool, err error)

var (
	sshNamePattern = regexp.MustCompile(`(?i)ssh`)
	loginPattern   = regexp.MustCompile(`([A-Za-z0-9._-]+)@([A-Za-z0-9.-]+)`)
)

// ExtractLogin finds a user@host token in s, e.g. "ssh abc@ssh.runpod.io -i key"
func ExtractLogin(s string) (user, host string, ok bool) {
	m := loginPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// MetadataFieldProbe reads a dedicated instance field holding the ssh command
func MetadataFieldProbe(field string) Probe {
	return func(ctx context.Context, gw GatewayClient, instanceID string) (string, bool, error) {
		value, err := gw.InstanceField(ctx, instanceID, field)
		if err != nil {
			return "", false, fmt.Errorf("field %s: %w", field, err)
		}
		return loginFrom(value)
	}
}

// SchemaProbe introspects typeName for string fields whose name mentions ssh,
// one level of nested object types included, and queries each candidate.
func SchemaProbe(typeName string) Probe {
	return func(ctx context.Context, gw GatewayClient, instanceID string) (string, bool, error) {
		fields, err := gw.TypeFields(ctx, typeName)
		if err != nil {
			return "", false, fmt.Errorf("introspect %s: %w", typeName, err)
		}

		var candidates [][]string
		for _, f := range fields {
			switch f.Kind {
			case "SCALAR":
				if sshNamePattern.MatchString(f.Name) && f.TypeName == "String" {
					candidates = append(candidates, []string{f.Name})
				}
			case "OBJECT":
				nested, err := gw.TypeFields(ctx, f.TypeName)
				if err != nil {
					continue
				}
				for _, nf := range nested {
					if nf.Kind == "SCALAR" && nf.TypeName == "String" && sshNamePattern.MatchString(nf.Name) {
						candidates = append(candidates, []string{f.Name, nf.Name})
					}
				}
			}
		}

		for _, path := range candidates {
			value, err := gw.InstanceField(ctx, instanceID, path...)
			if err != nil {
				continue
			}
			if login, ok, _ := loginFrom(value); ok {
				return login, true, nil
			}
		}
		return "", false, nil
	}
}

// HostIDProbe builds the gateway login from the machine host id: <podHostId>@<gatewayHost>
func HostIDProbe(gatewayHost string) Probe {
	return func(ctx context.Context, gw GatewayClient, instanceID string) (string, bool, error) {
		hostID, err := gw.InstanceField(ctx, instanceID, "machine", "podHostId")
		if err != nil {
			return "", false, fmt.Errorf("machine host id: %w", err)
		}
		hostID = strings.TrimSpace(hostID)
		if hostID == "" {
			return "", false, nil
		}
		return hostID + "@" + gatewayHost, true, nil
	}
}

// DefaultProbes returns the discovery order: metadata field, schema, host id
func DefaultProbes(field, gatewayHost string) []Probe {
	return []Probe{
		MetadataFieldProbe(field),
		SchemaProbe("Pod"),
		HostIDProbe(gatewayHost),
	}
}

func loginFrom(value string) (string, bool, error) {
	user, host, ok := ExtractLogin(value)
	if !ok {
		return "", false, nil
	}
	return user + "@" + host, true, nil
}
