package sky

import (
	"testing"
	"time"

	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

func clearWeather() Snapshot {
	return Snapshot{
		CloudCoverPct: 5,
		WindSpeedKmh:  5,
		HumidityPct:   40,
		TemperatureC:  10,
		DewPointC:     2,
		Raining:       false,
	}
}

func TestObservePurity(t *testing.T) {
	coords := targetmodel.Coordinates{RAHours: 5, DecDeg: 20}
	now := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	site := DefaultSiteConfig()
	weather := clearWeather()

	v1 := Observe(coords, now, site, weather)
	v2 := Observe(coords, now, site, weather)

	if v1.Observable != v2.Observable || len(v1.Reasons) != len(v2.Reasons) {
		t.Fatalf("repeated calls with identical inputs must return identical verdicts")
	}
}

func TestWeatherGateRain(t *testing.T) {
	coords := targetmodel.Coordinates{RAHours: 5, DecDeg: 60}
	now := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	site := DefaultSiteConfig()
	site.MinAltitudeDeg = -90 // isolate the weather gate from altitude

	weather := clearWeather()
	weather.Raining = true

	v := Observe(coords, now, site, weather)
	if v.Observable {
		t.Fatalf("rain should block observability")
	}
}

func TestWeatherGateCloudCover(t *testing.T) {
	coords := targetmodel.Coordinates{RAHours: 5, DecDeg: 60}
	now := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	site := DefaultSiteConfig()
	site.MinAltitudeDeg = -90

	weather := clearWeather()
	weather.CloudCoverPct = 90

	v := Observe(coords, now, site, weather)
	if v.Observable {
		t.Fatalf("heavy cloud cover should block observability")
	}
}

func TestAltitudeGate(t *testing.T) {
	coords := targetmodel.Coordinates{RAHours: 5, DecDeg: -89}
	now := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	site := DefaultSiteConfig()
	site.LatitudeDeg = 45
	site.MinAltitudeDeg = 20

	v := Observe(coords, now, site, clearWeather())
	if v.Observable {
		t.Fatalf("a target near the opposite celestial pole should be below the horizon at this latitude")
	}
}

func TestMeridianFlipWindow(t *testing.T) {
	imminent, mins := meridianFlipWindow(-0.1, 10)
	if !imminent {
		t.Fatalf("hour angle -0.1h (6 minutes from meridian) should flag flip imminent within a 10 minute window")
	}
	if mins <= 0 {
		t.Fatalf("expected positive minutes-to-meridian, got %v", mins)
	}

	imminent, _ = meridianFlipWindow(2, 10)
	if imminent {
		t.Fatalf("target already past meridian (positive hour angle) should not flag imminent")
	}
}
