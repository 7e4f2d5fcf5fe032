package supervisor

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hiverun/hive/internal/portmgr"
)

// portToken matches $PORT, ${PORT}, and ${PORT:otherServiceName}.
var portToken = regexp.MustCompile(`\$PORT\b|\$\{PORT\}|\$\{PORT:([A-Za-z0-9_-]+)\}`)

// portMap maps a service name to its allocated port, used to resolve
// ${PORT:name} references and to inject SANITIZED_SERVICE_NAME_PORT
// variables for every sibling, per spec §4.3.3 step 4.
type portMap map[string]int

// computeEnv builds the full environment for a service start, following
// spec §4.3.3 step 4 exactly: base env, template env overlay, service env
// overlay, sibling SANITIZED_SERVICE_NAME_PORT injection, PORT/SERVICE_PORT
// assignment, then $PORT-token interpolation across every value.
func computeEnv(base, templateEnv, serviceEnv map[string]string, serviceName string, port int, ports portMap) map[string]string {
	env := map[string]string{}
	for k, v := range base {
		env[k] = v
	}
	for k, v := range templateEnv {
		env[k] = v
	}
	for k, v := range serviceEnv {
		env[k] = v
	}

	for name, p := range ports {
		key := portmgr.SanitizedServiceName(name) + "_PORT"
		env[key] = strconv.Itoa(p)
	}
	env[portmgr.SanitizedServiceName(serviceName)+"_PORT"] = strconv.Itoa(port)

	env["PORT"] = strconv.Itoa(port)
	env["SERVICE_PORT"] = strconv.Itoa(port)

	for k, v := range env {
		env[k] = interpolatePortTokens(v, port, ports)
	}
	return env
}

// interpolatePortTokens resolves $PORT/${PORT}/${PORT:name} references in
// value. An unknown ${PORT:name} reference is left literal.
func interpolatePortTokens(value string, currentPort int, ports portMap) string {
	return portToken.ReplaceAllStringFunc(value, func(match string) string {
		sub := portToken.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			return strconv.Itoa(currentPort)
		}
		if p, ok := ports[name]; ok {
			return strconv.Itoa(p)
		}
		return match
	})
}

// baseServiceEnv returns the fixed base env injected ahead of template and
// service overlays, per spec §4.3.3 step 4.
func baseServiceEnv(cellID, serviceName, workspacePath string) map[string]string {
	return map[string]string{
		"HIVE_CELL_ID":     cellID,
		"HIVE_SERVICE":     serviceName,
		"HIVE_HOME":        fmt.Sprintf("%s/.hive/home", workspacePath),
		"HIVE_BROWSE_ROOT": workspacePath,
		"FORCE_COLOR":      "1",
	}
}

// envToSlice flattens a map into "KEY=VALUE" entries for exec.Cmd.Env,
// appended on top of the process's inherited environment.
func envToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
