package fetch

import (
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var maxAgePattern = regexp.MustCompile(`(?i)(?:^|[\s,])max-age\s*=\s*"?(\d+)`)

// maxAgeSeconds 是 time.Duration 能表示的最大秒数，更大的 max-age 按此截断。
const maxAgeSeconds = math.MaxInt64 / int64(time.Second)

// Directive 是从 Cache-Control 中提取的缓存时长。
type Directive struct {
	MaxAge  time.Duration
	Present bool
}

// ZeroAge 表示上游明确禁止缓存（no-cache 或 max-age=0）。
func (d Directive) ZeroAge() bool {
	return d.Present && d.MaxAge <= 0
}

// ParseCacheControl 解析 max-age（非负整数秒）与 no-cache。max-age 优先；
// 空头部返回 Present=false，表示按正常流程持久化。
func ParseCacheControl(header string) Directive {
	header = strings.TrimSpace(header)
	if header == "" {
		return Directive{}
	}
	if match := maxAgePattern.FindStringSubmatch(header); match != nil {
		seconds, err := strconv.ParseInt(match[1], 10, 64)
		if errors.Is(err, strconv.ErrRange) || seconds > maxAgeSeconds {
			seconds, err = maxAgeSeconds, nil
		}
		if err == nil {
			return Directive{MaxAge: time.Duration(seconds) * time.Second, Present: true}
		}
	}
	if strings.Contains(strings.ToLower(header), "no-cache") {
		return Directive{Present: true}
	}
	return Directive{}
}

func directiveFromResponse(resp *http.Response) Directive {
	if resp == nil {
		return Directive{}
	}
	return ParseCacheControl(strings.Join(resp.Header.Values("Cache-Control"), ", "))
}
