// Package sky implements the SkyAdvisor: a pure function gating target
// selection on altitude, meridian proximity, and cached weather
// conditions (spec.md §4.3). It never performs I/O; weather is sampled
// externally by WeatherSampler and handed in as a snapshot.
package sky

import (
	"fmt"
	"math"
	"time"

	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

// SiteConfig carries the observer's location and gating thresholds.
// The thresholds apply to every target; Target carries no per-target
// override of them.
type SiteConfig struct {
	LatitudeDeg        float64
	LongitudeDeg       float64
	MinAltitudeDeg     float64
	MeridianWindowMin  float64 // flag "flip imminent" when within this many minutes of meridian crossing
}

// DefaultSiteConfig places the site at latitude 0, longitude 0, with a
// 20 degree minimum altitude and a 10 minute meridian window.
func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		LatitudeDeg:       0,
		LongitudeDeg:      0,
		MinAltitudeDeg:    20,
		MeridianWindowMin: 10,
	}
}

// WeatherLimits mirrors original_source's weather_monitor_task.cpp defaults.
type WeatherLimits struct {
	CloudCoverLimitPct float64
	WindSpeedLimitKmh  float64
	HumidityLimitPct   float64
	TemperatureMinC    float64
	TemperatureMaxC    float64
	DewPointMarginC    float64
	RainDetection      bool
}

// DefaultWeatherLimits mirrors the original task's constructor defaults.
func DefaultWeatherLimits() WeatherLimits {
	return WeatherLimits{
		CloudCoverLimitPct: 30.0,
		WindSpeedLimitKmh:  25.0,
		HumidityLimitPct:   85.0,
		TemperatureMinC:    -20.0,
		TemperatureMaxC:    35.0,
		DewPointMarginC:    2.0,
		RainDetection:      true,
	}
}

// Snapshot is a weather sample cached by WeatherSampler and handed to
// the Advisor; the Advisor itself never blocks on I/O to obtain one.
type Snapshot struct {
	CloudCoverPct   float64
	WindSpeedKmh    float64
	HumidityPct     float64
	TemperatureC    float64
	DewPointC       float64
	Raining         bool
	SampledAt       time.Time
}

// Verdict is the Advisor's decision for one target at one instant.
type Verdict struct {
	Observable    bool
	Reasons       []string
	FlipImminent  bool
	FlipWindowMin float64
}

// Observe evaluates altitude, meridian proximity, and weather gates
// for the given coordinates at instant now, using the default weather
// limits. Given identical inputs it always returns an identical
// Verdict (invariant 10, SkyAdvisor purity).
func Observe(coords targetmodel.Coordinates, now time.Time, site SiteConfig, weather Snapshot) Verdict {
	return ObserveWithLimits(coords, now, site, weather, DefaultWeatherLimits())
}

// ObserveWithLimits is Observe but with caller-supplied weather
// thresholds, used when a target or session overrides the defaults.
func ObserveWithLimits(coords targetmodel.Coordinates, now time.Time, site SiteConfig, weather Snapshot, limits WeatherLimits) Verdict {
	var reasons []string

	altitude, hourAngle := altitudeAndHourAngle(coords, now, site)
	if altitude < site.MinAltitudeDeg {
		reasons = append(reasons, fmt.Sprintf("altitude %.1f below minimum %.1f", altitude, site.MinAltitudeDeg))
	}

	reasons = append(reasons, checkWeather(weather, limits)...)

	flipImminent, windowMin := meridianFlipWindow(hourAngle, site.MeridianWindowMin)

	return Verdict{
		Observable:    len(reasons) == 0,
		Reasons:       reasons,
		FlipImminent:  flipImminent,
		FlipWindowMin: windowMin,
	}
}

func checkWeather(w Snapshot, limits WeatherLimits) []string {
	var reasons []string
	if w.CloudCoverPct > limits.CloudCoverLimitPct {
		reasons = append(reasons, fmt.Sprintf("cloud cover %.1f%% exceeds limit %.1f%%", w.CloudCoverPct, limits.CloudCoverLimitPct))
	}
	if w.WindSpeedKmh > limits.WindSpeedLimitKmh {
		reasons = append(reasons, fmt.Sprintf("wind speed %.1fkm/h exceeds limit %.1fkm/h", w.WindSpeedKmh, limits.WindSpeedLimitKmh))
	}
	if w.HumidityPct > limits.HumidityLimitPct {
		reasons = append(reasons, fmt.Sprintf("humidity %.1f%% exceeds limit %.1f%%", w.HumidityPct, limits.HumidityLimitPct))
	}
	if w.TemperatureC < limits.TemperatureMinC || w.TemperatureC > limits.TemperatureMaxC {
		reasons = append(reasons, fmt.Sprintf("temperature %.1fC outside [%.1f,%.1f]", w.TemperatureC, limits.TemperatureMinC, limits.TemperatureMaxC))
	}
	if w.TemperatureC-w.DewPointC < limits.DewPointMarginC {
		reasons = append(reasons, fmt.Sprintf("dew point margin %.1fC below limit %.1fC", w.TemperatureC-w.DewPointC, limits.DewPointMarginC))
	}
	if limits.RainDetection && w.Raining {
		reasons = append(reasons, "rain detected")
	}
	return reasons
}

// altitudeAndHourAngle computes the target's altitude in degrees and
// hour angle in hours using the standard spherical-trig formula over a
// local-sidereal-time approximation. This is the hour-angle arithmetic
// spec.md §1 permits (astrometric math beyond it is out of scope).
func altitudeAndHourAngle(coords targetmodel.Coordinates, now time.Time, site SiteConfig) (altitudeDeg, hourAngleHours float64) {
	lst := localSiderealTimeHours(now, site.LongitudeDeg)
	ha := lst - coords.RAHours
	for ha > 12 {
		ha -= 24
	}
	for ha <= -12 {
		ha += 24
	}

	haRad := ha * math.Pi / 12
	decRad := coords.DecDeg * math.Pi / 180
	latRad := site.LatitudeDeg * math.Pi / 180

	sinAlt := math.Sin(decRad)*math.Sin(latRad) + math.Cos(decRad)*math.Cos(latRad)*math.Cos(haRad)
	altitudeDeg = math.Asin(clamp(sinAlt, -1, 1)) * 180 / math.Pi
	return altitudeDeg, ha
}

// meridianFlipWindow reports whether the target is approaching the
// meridian from the east (hour angle negative, heading to zero) within
// windowMin minutes, the case a German equatorial mount must flip for.
func meridianFlipWindow(hourAngleHours, windowMin float64) (imminent bool, minutesToMeridian float64) {
	if hourAngleHours >= 0 {
		return false, 0
	}
	minutesToMeridian = -hourAngleHours * 60
	return minutesToMeridian <= windowMin, minutesToMeridian
}

func localSiderealTimeHours(now time.Time, longitudeDeg float64) float64 {
	u := now.UTC()
	jd := julianDay(u)
	d := jd - 2451545.0
	gmst := 18.697374558 + 24.06570982441908*d
	lst := gmst + longitudeDeg/15.0
	lst = math.Mod(lst, 24)
	if lst < 0 {
		lst += 24
	}
	return lst
}

func julianDay(t time.Time) float64 {
	y, m, d := t.Date()
	if m <= 2 {
		y--
		m += 12
	}
	a := y / 100
	b := 2 - a + a/4
	dayFrac := float64(d) + (float64(t.Hour())+float64(t.Minute())/60+float64(t.Second())/3600)/24
	return math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(m+1)) + dayFrac + float64(b) - 1524.5
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
