package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptySchedulerMap is returned when a scheduler map names no scheduler.
var ErrEmptySchedulerMap = errors.New("scheduler map is empty")

// SchedulerMap binds OS thread ids to scheduler numbers.
type SchedulerMap map[int64]int

// one "<scheduler-number> <tid>" pair per line; anything else is ignored
var schedLineRegex = regexp.MustCompile(`^(\d+)\s+(\d+)$`)

// LoadSchedulerMap reads the scheduler map file at path.
func LoadSchedulerMap(path string) (SchedulerMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scheduler map: %w", err)
	}
	defer f.Close()

	m, err := ReadSchedulerMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ReadSchedulerMap parses scheduler map lines from r. Scheduler numbers start
// at 1; thread ids and scheduler numbers must both be unique.
func ReadSchedulerMap(r io.Reader) (SchedulerMap, error) {
	m := SchedulerMap{}
	numbers := map[int]int64{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		match := schedLineRegex.FindStringSubmatch(strings.TrimRight(scanner.Text(), "\r"))
		if match == nil {
			continue
		}

		num, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: scheduler number: %w", lineNo, err)
		}
		tid, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: thread id: %w", lineNo, err)
		}

		if num < 1 {
			return nil, fmt.Errorf("line %d: scheduler numbers start at 1, got %d", lineNo, num)
		}
		if prev, ok := m[tid]; ok {
			return nil, fmt.Errorf("line %d: thread %d already bound to scheduler %d", lineNo, tid, prev)
		}
		if prev, ok := numbers[num]; ok {
			return nil, fmt.Errorf("line %d: scheduler %d already bound to thread %d", lineNo, num, prev)
		}
		m[tid] = num
		numbers[num] = tid
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading scheduler map: %w", err)
	}

	if len(m) == 0 {
		return nil, ErrEmptySchedulerMap
	}
	return m, nil
}
