package reconcile

import (
	"fmt"
	"strings"

	"github.com/ehr/hl7hub/internal/domain/directory"
)

func unknownPatientNote(id, given, family string) string {
	var b strings.Builder
	b.WriteString("Unknown patient")
	if id != "" {
		fmt.Fprintf(&b, ", Id='%s'", id)
	}
	if name := strings.TrimSpace(given + " " + family); name != "" {
		fmt.Fprintf(&b, ", name='%s'", name)
	}
	return b.String()
}

func noPlacerNote(system string) string {
	return "No Placer Order Number specified. Order placed outside " + system
}

func placerLabel(p PlacerOrderNumber) string {
	label := fmt.Sprintf("Order with Placer Order Number '%s'", p.ID)
	if p.Namespace != "" {
		label += " submitted by " + p.Namespace
	}
	return label
}

func placedOutsideNote(p PlacerOrderNumber, system string) string {
	return placerLabel(p) + " was placed outside " + system
}

func noCorrespondingNote(p PlacerOrderNumber, displayName string) string {
	return placerLabel(p) + " has no corresponding " + displayName
}

func patientChangedNote(displayName string, was, now *directory.Patient) string {
	return fmt.Sprintf("Patient is different to that in the original %s. Was '%s' (%d). Now '%s' (%d)",
		displayName, was.Name, was.ID, now.Name, now.ID)
}

func unknownNote(label, id, name string) string {
	return fmt.Sprintf("Unknown %s, Id='%s', name='%s'", label, id, name)
}

func unitsNote(id, name, selling string) string {
	return fmt.Sprintf("Dispense Units (Id='%s', name='%s') do not match selling units (%s)", id, name, selling)
}
