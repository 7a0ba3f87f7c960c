package upload

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"airsquawk/internal/objstore"
)

const (
	objectBase  = "piaware_aircraft_log_"
	minutesDir  = "minutes/"
	minuteStamp = "20060102_1504"
	hourStamp   = "20060102_15"
)

// Keys names the objects of one prefix.
type Keys struct {
	Prefix string
}

// Minute returns the minute object key for t. attempt > 1 adds a suffix
// used when the plain key is already taken.
func (k Keys) Minute(t time.Time, attempt int) string {
	key := k.Prefix + minutesDir + objectBase + t.UTC().Format(minuteStamp)
	if attempt > 1 {
		key += fmt.Sprintf("_%d", attempt)
	}
	return key + ".json"
}

// MinutePrefix lists every minute object of hour.
func (k Keys) MinutePrefix(hour time.Time) string {
	return k.Prefix + minutesDir + objectBase + hour.UTC().Format(hourStamp)
}

// AllMinutes lists every minute object.
func (k Keys) AllMinutes() string {
	return k.Prefix + minutesDir + objectBase
}

// Hour returns the consolidated object key for hour.
func (k Keys) Hour(hour time.Time) string {
	return k.Prefix + objectBase + hour.UTC().Format(hourStamp) + "00.json"
}

// MinuteHour parses the hour a minute object belongs to.
func (k Keys) MinuteHour(key string) (time.Time, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, objectBase) {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(name, objectBase)
	if len(stamp) < len(hourStamp) {
		return time.Time{}, false
	}
	t, err := time.Parse(hourStamp, stamp[:len(hourStamp)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// minuteOrder returns the stamp and attempt number a minute key was
// written with. Keys that do not parse sort first with attempt 0.
func minuteOrder(key string) (string, int) {
	name := strings.TrimSuffix(path.Base(key), ".json")
	stamp, ok := strings.CutPrefix(name, objectBase)
	if !ok {
		return "", 0
	}
	if len(stamp) <= len(minuteStamp) {
		return stamp, 1
	}
	attempt, err := strconv.Atoi(strings.TrimPrefix(stamp[len(minuteStamp):], "_"))
	if err != nil {
		return stamp, 0
	}
	return stamp[:len(minuteStamp)], attempt
}

// sortMinutes orders minute objects in write order: by minute, then by
// attempt number, so _10 follows _9.
func sortMinutes(objs []objstore.Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		si, ai := minuteOrder(objs[i].Key)
		sj, aj := minuteOrder(objs[j].Key)
		if si != sj {
			return si < sj
		}
		return ai < aj
	})
}
