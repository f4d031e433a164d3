package main

import "testing"

func TestParseRHSBLZonesAbsentKey(t *testing.T) {
	if zones := parseRHSBLZones(nil, false); zones != nil {
		t.Fatalf("expected no zones for an absent key, got %+v", zones)
	}
}

func TestParseRHSBLZonesParsesZoneAndMessage(t *testing.T) {
	zones := parseRHSBLZones([]string{
		`bl.example "domain listed"`,
		"bare.example",
		"",
	}, true)
	if len(zones) != 2 {
		t.Fatalf("expected 2 zones (blank line skipped), got %d: %+v", len(zones), zones)
	}
	if zones[0].zone != "bl.example" || zones[0].message != `"domain listed"` {
		t.Fatalf("unexpected first zone: %+v", zones[0])
	}
	if zones[1].zone != "bare.example" || zones[1].message != "" {
		t.Fatalf("unexpected second zone: %+v", zones[1])
	}
}

func TestDropPrivilegesNoopWithoutUser(t *testing.T) {
	if err := dropPrivileges(""); err != nil {
		t.Fatalf("expected dropPrivileges(\"\") to be a no-op, got %v", err)
	}
}

func TestDropPrivilegesUnknownUser(t *testing.T) {
	if err := dropPrivileges("qsmtpd-nonexistent-user-xyz"); err == nil {
		t.Fatal("expected an error for an unknown username")
	}
}
