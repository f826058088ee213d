package generation

import (
	"context"
	"strings"

	"github.com/telehealth/telehealth/internal/domain/interview"
)

const mockSummary = `Patient Summary:
- Chief complaint: Flu-like symptoms including fever, sore throat, and fatigue
- Medical history: No significant prior conditions
- Current medications: None
- Symptom duration: Started 2 days ago, gradually worsening
- Impact: Difficulty working and sleeping due to symptoms

Recommendation: Rest, hydration, and over-the-counter fever reducers. Consult doctor if symptoms worsen.`

// Mock answers deterministically without a network call. It is used when
// no API key is configured.
type Mock struct{}

func (Mock) Generate(_ context.Context, req interview.GenerationRequest) (interview.Generation, error) {
	if req.SummaryMode {
		return interview.Generation{Structured: &interview.Reply{Message: mockSummary, IsSummary: true}}, nil
	}
	msg := strings.ToLower(req.Utterance)
	var text string
	switch {
	case strings.Contains(msg, "symptoms") && strings.Contains(msg, "flu"):
		text = "Common flu symptoms include fever, cough, sore throat, body aches, fatigue, headache, and sometimes vomiting and diarrhea."
	case strings.Contains(msg, "treatment"):
		text = "Treatment for most conditions involves rest, proper hydration, and medication appropriate for the specific condition."
	case strings.Contains(msg, "hello") || strings.Contains(msg, "hi"):
		text = "Hello! I'm your AI medical assistant. How can I help you today?"
	default:
		text = "I understand your question. As an AI medical assistant, I can provide general information."
	}
	return interview.Generation{Structured: &interview.Reply{Message: text}}, nil
}

func (Mock) Suggest(_ context.Context, summary, discharge string) (string, error) {
	s := strings.ToLower(summary + " " + discharge)
	switch {
	case containsAny(s, "fever", "headache", "sore throat", "cough"):
		return mockViralSuggestion, nil
	case containsAny(s, "chest pain", "shortness of breath"):
		return mockUrgentSuggestion, nil
	}
	return mockGenericSuggestion, nil
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

const mockViralSuggestion = `Based on the patient's presentation with fever, headache, sore throat, and cough, this appears consistent with a viral upper respiratory infection, possibly influenza.

Assessment:
- Viral syndrome most likely given the constellation of symptoms
- Consider bacterial pharyngitis if severe throat pain with exudate
- Monitor for complications such as pneumonia

Recommendations:
1. Symptomatic treatment with rest, fluids, and fever reducers (acetaminophen/ibuprofen)
2. Throat lozenges or warm salt water gargles for sore throat
3. Consider rapid strep test if bacterial pharyngitis suspected
4. Return if symptoms worsen, fever persists >3 days, or difficulty breathing develops

Follow-up: Routine unless symptoms deteriorate or patient develops concerning features.`

const mockUrgentSuggestion = `The patient's presentation with chest pain and shortness of breath requires immediate evaluation to rule out serious cardiopulmonary conditions.

Assessment:
- Differential includes cardiac (MI, angina), pulmonary (PE, pneumonia), or other causes
- This presentation warrants urgent evaluation

Recommendations:
1. IMMEDIATE: Obtain vital signs, ECG, chest X-ray
2. Consider cardiac enzymes, D-dimer based on clinical suspicion
3. Oxygen saturation monitoring
4. Pain assessment and management as appropriate

RED FLAGS: Any signs of hemodynamic instability, severe respiratory distress, or cardiac symptoms require immediate emergency evaluation.

Follow-up: Urgent/emergent evaluation recommended.`

const mockGenericSuggestion = `Based on the patient summary provided, a comprehensive evaluation is recommended.

Assessment:
- Further history and physical examination needed for accurate diagnosis
- Consider relevant differential diagnoses based on presenting symptoms

Recommendations:
1. Complete history and physical examination
2. Appropriate diagnostic testing based on clinical findings
3. Symptomatic management as indicated
4. Patient education regarding symptoms and when to seek care

Follow-up: As clinically indicated based on findings and patient response to treatment.`
