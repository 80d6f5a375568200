package avatar

// BeyondPresence renders a hosted Beyond Presence avatar.
type BeyondPresence struct {
	*lifecycle
	AvatarID string
}

func newBeyondPresence(b binding) Provider {
	avatarID := b.values["avatar_id"]
	req := b.request(ProviderBeyondPresence)
	req.Params["avatar_id"] = avatarID
	return &BeyondPresence{lifecycle: newLifecycle(ProviderBeyondPresence, req, b), AvatarID: avatarID}
}

// Anam renders an Anam persona. The persona name is the name the avatar
// speaks as; it is distinct from the room participant name.
type Anam struct {
	*lifecycle
	AvatarID    string
	PersonaName string
}

func newAnam(b binding) Provider {
	avatarID, persona := b.values["avatar_id"], b.values["name"]
	req := b.request(ProviderAnam)
	req.Params["persona.avatar_id"] = avatarID
	req.Params["persona.name"] = persona
	delete(req.Params, "avatar_id")
	delete(req.Params, "name")
	return &Anam{lifecycle: newLifecycle(ProviderAnam, req, b), AvatarID: avatarID, PersonaName: persona}
}

// BitHuman renders locally from an .imx model file.
type BitHuman struct {
	*lifecycle
	ModelPath string
}

func newBitHuman(b binding) Provider {
	modelPath := b.values["model_path"]
	req := b.request(ProviderBitHuman)
	req.Params["model_path"] = modelPath
	return &BitHuman{lifecycle: newLifecycle(ProviderBitHuman, req, b), ModelPath: modelPath}
}

// Hedra renders a Hedra character.
type Hedra struct {
	*lifecycle
	AvatarID string
}

func newHedra(b binding) Provider {
	avatarID := b.values["avatar_id"]
	req := b.request(ProviderHedra)
	req.Params["avatar_id"] = avatarID
	return &Hedra{lifecycle: newLifecycle(ProviderHedra, req, b), AvatarID: avatarID}
}

// Simli renders a Simli face.
type Simli struct {
	*lifecycle
	FaceID string
}

func newSimli(b binding) Provider {
	faceID := b.values["face_id"]
	req := b.request(ProviderSimli)
	req.Params["face_id"] = faceID
	return &Simli{lifecycle: newLifecycle(ProviderSimli, req, b), FaceID: faceID}
}

// Tavus renders a Tavus replica, optionally bound to a persona.
type Tavus struct {
	*lifecycle
	ReplicaID string
	PersonaID string
}

func newTavus(b binding) Provider {
	replicaID := b.values["replica_id"]
	req := b.request(ProviderTavus)
	req.Params["replica_id"] = replicaID
	personaID, _ := b.record.Param("persona_id")
	return &Tavus{lifecycle: newLifecycle(ProviderTavus, req, b), ReplicaID: replicaID, PersonaID: personaID}
}
