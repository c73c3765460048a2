package refusal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Je n’ai pas accès", "je n'ai pas acces"},
		{"  Créée   ÉTÉ\n", "creee ete"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"cannot without client", "Je ne peux pas créer cette facture sans client", true},
		{"no access", "Je n’ai pas accès à vos factures.", true},
		{"failed", "Je n'ai pas pu enregistrer le client.", true},
		{"not able", "Je ne suis pas en mesure de modifier ce devis.", true},
		{"nothing recorded", "Aucune facture enregistrée à ce numéro.", true},
		{"english cannot", "I cannot create that invoice.", true},
		{"english access", "I don't have access to your CRM.", true},
		{"english no such", "There is no such invoice recorded.", true},

		{"clarifying question", "Voulez-vous que je crée la facture ?", false},
		{"refusal ending in question", "Je ne peux pas sans client. Lequel voulez-vous utiliser ?", false},
		{"intent", "Je vais créer le devis.", false},
		{"english intent", "I'll create the client now.", false},
		{"advice", "Je vous conseille de relancer ce client.", false},
		{"advice with modal", "Vous pouvez ajouter une échéance à la facture.", false},
		{"plain answer", "Vous avez 3 factures impayées.", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.text))
		})
	}
}

func TestClassifyLabels(t *testing.T) {
	tests := []struct {
		text  string
		kind  Kind
		label string
	}{
		{"Je ne peux pas créer cette facture sans client", KindRefusal, "cannot"},
		{"Il m'est impossible de supprimer ce client.", KindRefusal, "impossible"},
		{"Voulez-vous que je crée la facture ?", KindExclusion, "question"},
		{"Je vais créer le devis.", KindExclusion, "intent"},
		{"Bonjour !", KindNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			v := Classify(tt.text)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.label, v.Label)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "refusal", KindRefusal.String())
	assert.Equal(t, "exclusion", KindExclusion.String())
	assert.Equal(t, "none", KindNone.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
