package heuristic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// boundaryClass covers the characters that may not touch a matched username.
const boundaryClass = `[\p{L}\p{N}_]`

// maxCachedPatterns bounds matcherCache. Once full, the cache is dropped wholesale.
const maxCachedPatterns = 256

// matcherCache keeps compiled boundary patterns per username.
type matcherCache struct {
	mu       sync.Mutex
	patterns map[string]*regexp2.Regexp // lowercased username
}

// UsernamePattern compiles a case-insensitive pattern that matches the username
// only when it is not preceded or followed by a letter, digit or underscore.
func UsernamePattern(username string) (*regexp2.Regexp, error) {
	expr := fmt.Sprintf(`(?<!%s)%s(?!%s)`, boundaryClass, regexp2.Escape(username), boundaryClass)
	re, err := regexp2.Compile(expr, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("compile username pattern: %w", err)
	}
	return re, nil
}

func (c *matcherCache) get(username string) (*regexp2.Regexp, error) {
	key := strings.ToLower(username)
	c.mu.Lock()
	re, ok := c.patterns[key]
	c.mu.Unlock()
	if ok {
		return re, nil
	}

	re, err := UsernamePattern(username)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patterns == nil || len(c.patterns) >= maxCachedPatterns {
		c.patterns = make(map[string]*regexp2.Regexp, maxCachedPatterns)
	}
	c.patterns[key] = re
	return re, nil
}

func (c *matcherCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}

// ContainsUsername reports whether text mentions the username on word boundaries.
func ContainsUsername(username, text string) bool {
	re, err := UsernamePattern(username)
	if err != nil {
		return false
	}
	return matchPattern(re, text)
}

func matchPattern(re *regexp2.Regexp, text string) bool {
	if text == "" {
		return false
	}
	ok, err := re.MatchString(text)
	return err == nil && ok
}
