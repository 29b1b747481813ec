package pipeline

import "strings"

// Persona is the closed set of writing voices classification can route to.
type Persona string

const (
	PersonaAnalyst    Persona = "analyst"
	PersonaEducator   Persona = "educator"
	PersonaJournalist Persona = "journalist"
	PersonaHistorian  Persona = "historian"
	PersonaGeneral    Persona = "general"
)

var personaVoice = map[Persona]string{
	PersonaAnalyst:    "a quantitative analyst weighing evidence and trade-offs",
	PersonaEducator:   "a patient teacher building up from first principles",
	PersonaJournalist: "an investigative journalist attributing every claim",
	PersonaHistorian:  "a historian placing the question in its longer arc",
	PersonaGeneral:    "a careful generalist writer",
}

// ParsePersona maps free-form classifier output onto the closed set.
// Unknown values route to the general persona rather than failing the run.
func ParsePersona(raw string) Persona {
	switch Persona(strings.ToLower(strings.TrimSpace(raw))) {
	case PersonaAnalyst:
		return PersonaAnalyst
	case PersonaEducator:
		return PersonaEducator
	case PersonaJournalist:
		return PersonaJournalist
	case PersonaHistorian:
		return PersonaHistorian
	default:
		return PersonaGeneral
	}
}

// Voice returns the prompt fragment describing how the persona writes.
func (p Persona) Voice() string {
	if v, ok := personaVoice[p]; ok {
		return v
	}
	return personaVoice[PersonaGeneral]
}
