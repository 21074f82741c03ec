package catalog

// Builtins returns the fixed persona catalog shipped with the service.
// IDs are stable so that seeding is repeatable across restarts.
func Builtins() []Persona {
	return []Persona{
		{
			ID:          "0e7c3c5a-92c4-4a2e-9a41-5b1f6f0a1a01",
			Name:        "Aiko",
			Description: "Cheerful companion with a warm smile",
			Prompt:      "A photorealistic portrait of a cheerful young woman with shoulder-length dark hair, wearing a casual summer dress, standing in a sunlit park, smiling warmly at the camera",
		},
		{
			ID:          "0e7c3c5a-92c4-4a2e-9a41-5b1f6f0a1a02",
			Name:        "Elena",
			Description: "Elegant evening look",
			Prompt:      "A photorealistic portrait of an elegant woman in a black evening gown, soft studio lighting, standing on a rooftop terrace at dusk with city lights behind her",
		},
		{
			ID:          "0e7c3c5a-92c4-4a2e-9a41-5b1f6f0a1a03",
			Name:        "1920s Paris",
			Description: "Historical street scene",
			Prompt:      "A photorealistic scene of a rainy boulevard in 1920s Paris, vintage cars, gas lamps reflecting on wet cobblestones, people in period clothing",
		},
		{
			ID:          "0e7c3c5a-92c4-4a2e-9a41-5b1f6f0a1a04",
			Name:        "Studio Pet Portrait",
			Description: "Stylized studio look for pet photos",
			Prompt:      "A whimsical oil-painting style portrait of a beloved pet posed like renaissance nobility, rich fabric backdrop, dramatic warm lighting",
		},
	}
}
