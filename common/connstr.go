package common

import (
	"fmt"
	"strings"
)

// ParseConnectionString parses `Key1=Value1;Key2=Value2` formatted
// connection strings and checks that every required key is present.
func ParseConnectionString(cs string, require ...string) (map[string]string, error) {
	m := map[string]string{}
	for _, s := range strings.Split(cs, ";") {
		if s == "" {
			continue
		}
		kv := strings.SplitN(s, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("malformed connection string segment %q", s)
		}
		m[kv[0]] = kv[1]
	}
	for _, k := range require {
		if s := m[k]; s == "" {
			return nil, fmt.Errorf("%s is required", k)
		}
	}
	return m, nil
}
