package inference

// PrimaryReservoir is the main Lassa fever reservoir species.
const PrimaryReservoir = "Mastomys natalensis"

// speciesWeights maps species to their epidemiological risk weight.
// Species the model can emit but we have no weight for fall back to
// defaultSpeciesWeight.
var speciesWeights = map[string]float64{
	"Mastomys natalensis":    1.0,
	"Mastomys coucha":        0.7,
	"Mastomys erythroleucus": 0.7,
	"Rattus rattus":          0.4,
	"Mus musculus":           0.2,
	"Other rodent":           0.1,
}

const defaultSpeciesWeight = 0.3

// SpeciesWeight returns the risk weight for a species.
func SpeciesWeight(species string) float64 {
	if w, ok := speciesWeights[species]; ok {
		return w
	}
	return defaultSpeciesWeight
}

// IsPrimaryReservoir reports whether the species is the primary
// Lassa fever reservoir.
func IsPrimaryReservoir(species string) bool {
	return species == PrimaryReservoir
}
