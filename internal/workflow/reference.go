package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrReferenceNotFound is returned when a ${...} reference's dotted path
// does not resolve against its target (node output, workflow input, or
// session context).
var ErrReferenceNotFound = errors.New("referenceError")

// upstreamFailedSentinel builds the reserved object substituted for a
// continue-tolerant node's output wherever a downstream reference targets
// it, carrying the upstream failure's kind and message through so a
// consuming node can inspect why its dependency didn't produce real output.
func upstreamFailedSentinel(kind, message string) map[string]interface{} {
	return map[string]interface{}{
		"__noeticError": true,
		"kind":          kind,
		"message":       message,
	}
}

var wholeReferencePattern = regexp.MustCompile(`^\$\{([a-zA-Z]+)((?:\.[^}]*)?)\}$`)
var embeddedReferencePattern = regexp.MustCompile(`\$\{([a-zA-Z]+)((?:\.[^}]*)?)\}`)

// resolveContext supplies the three reference namespaces: node outputs,
// workflow input, and session data.
type resolveContext struct {
	nodeOutputs map[string]interface{} // nodeID -> output (or an upstreamFailedSentinel)
	input       interface{}
	session     interface{}
}

// resolveTemplate materializes a node's ArgumentsTemplate against ctx. A
// leaf that is entirely one reference is replaced with the typed value; a
// leaf containing embedded references is string-interpolated.
func resolveTemplate(template interface{}, ctx resolveContext) (interface{}, error) {
	switch v := template.(type) {
	case string:
		return resolveStringLeaf(v, ctx)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved, err := resolveTemplate(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			result[key] = resolved
		}
		return result, nil
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := resolveTemplate(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

func resolveStringLeaf(s string, ctx resolveContext) (interface{}, error) {
	if m := wholeReferencePattern.FindStringSubmatch(s); m != nil {
		return resolveOneReference(m[1], m[2], ctx)
	}
	if !embeddedReferencePattern.MatchString(s) {
		return s, nil
	}
	var resolveErr error
	out := embeddedReferencePattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := embeddedReferencePattern.FindStringSubmatch(match)
		val, err := resolveOneReference(sub[1], sub[2], ctx)
		if err != nil {
			resolveErr = err
			return match
		}
		return fmt.Sprint(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func resolveOneReference(namespace, rest string, ctx resolveContext) (interface{}, error) {
	path := strings.TrimPrefix(rest, ".")
	switch namespace {
	case "nodes":
		return resolveNodeReference(path, ctx)
	case "input":
		return traversePath(ctx.input, path)
	case "session":
		return traversePath(ctx.session, path)
	default:
		return nil, fmt.Errorf("%w: unknown reference namespace %q", ErrReferenceNotFound, namespace)
	}
}

func resolveNodeReference(path string, ctx resolveContext) (interface{}, error) {
	nodeID, outputPath, _ := strings.Cut(path, ".output")
	output, ok := ctx.nodeOutputs[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %q has not produced output", ErrReferenceNotFound, nodeID)
	}
	outputPath = strings.TrimPrefix(outputPath, ".")
	return traversePath(output, outputPath)
}

// traversePath walks root by a dotted path using "." for object fields and
// "[n]" for array indices.
func traversePath(root interface{}, path string) (interface{}, error) {
	if path == "" {
		return root, nil
	}
	current := root
	for _, segment := range splitPath(path) {
		if idx, isIndex := segment.index(); isIndex {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("%w: index %d out of bounds at %q", ErrReferenceNotFound, idx, path)
			}
			current = arr[idx]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: cannot traverse %q: not an object", ErrReferenceNotFound, path)
		}
		val, exists := obj[segment.field]
		if !exists {
			return nil, fmt.Errorf("%w: field %q not found", ErrReferenceNotFound, segment.field)
		}
		current = val
	}
	return current, nil
}

type pathSegment struct {
	field   string
	isIndex bool
	idx     int
}

func (s pathSegment) index() (int, bool) { return s.idx, s.isIndex }

// splitPath turns "a.b[2].c" into [a, b, [2], c]-style segments.
func splitPath(path string) []pathSegment {
	var segments []pathSegment
	for _, dotPart := range strings.Split(path, ".") {
		field := dotPart
		for {
			open := strings.IndexByte(field, '[')
			if open == -1 {
				if field != "" {
					segments = append(segments, pathSegment{field: field})
				}
				break
			}
			if open > 0 {
				segments = append(segments, pathSegment{field: field[:open]})
			}
			close := strings.IndexByte(field[open:], ']')
			if close == -1 {
				break
			}
			idxStr := field[open+1 : open+close]
			idx, err := strconv.Atoi(idxStr)
			if err == nil {
				segments = append(segments, pathSegment{isIndex: true, idx: idx})
			}
			field = field[open+close+1:]
		}
	}
	return segments
}
