package policy

import "testing"

func TestCombine_DenyOverrides(t *testing.T) {
	cases := []struct {
		name    string
		effects []Effect
		want    Effect
	}{
		{"deny wins over permit", []Effect{EffectPermit, EffectDeny}, EffectDeny},
		{"error wins over everything", []Effect{EffectPermit, EffectError, EffectDeny}, EffectError},
		{"undetermined beats prompts and permit", []Effect{EffectPermit, EffectPromptOneShot, EffectUndetermined}, EffectUndetermined},
		{"most restrictive prompt wins absent deny", []Effect{EffectPromptBlanket, EffectPromptOneShot}, EffectPromptOneShot},
		{"permit when only permits and inapplicable", []Effect{EffectInapplicable, EffectPermit}, EffectPermit},
		{"inapplicable when all inapplicable", []Effect{EffectInapplicable, EffectInapplicable}, EffectInapplicable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := combineDenyOverrides(c.effects); got != c.want {
				t.Errorf("combineDenyOverrides(%v) = %s, want %s", c.effects, got, c.want)
			}
		})
	}
}

func TestCombine_PermitOverrides(t *testing.T) {
	cases := []struct {
		name    string
		effects []Effect
		want    Effect
	}{
		{"permit wins over deny", []Effect{EffectDeny, EffectPermit}, EffectPermit},
		{"error wins over everything", []Effect{EffectPermit, EffectError}, EffectError},
		{"undetermined beats deny and prompts", []Effect{EffectDeny, EffectPromptSession, EffectUndetermined}, EffectUndetermined},
		{"least restrictive prompt wins absent permit", []Effect{EffectPromptOneShot, EffectPromptBlanket}, EffectPromptBlanket},
		{"deny when only deny and inapplicable", []Effect{EffectInapplicable, EffectDeny}, EffectDeny},
		{"inapplicable when all inapplicable", []Effect{EffectInapplicable}, EffectInapplicable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := combinePermitOverrides(c.effects); got != c.want {
				t.Errorf("combinePermitOverrides(%v) = %s, want %s", c.effects, got, c.want)
			}
		})
	}
}

func TestCombine_FirstApplicable(t *testing.T) {
	cases := []struct {
		name    string
		effects []Effect
		want    Effect
	}{
		{"skips inapplicable, returns first real effect", []Effect{EffectInapplicable, EffectDeny, EffectPermit}, EffectDeny},
		{"error short-circuits even before a later applicable", []Effect{EffectInapplicable, EffectError, EffectPermit}, EffectError},
		{"all inapplicable", []Effect{EffectInapplicable, EffectInapplicable}, EffectInapplicable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := combineFirstApplicable(c.effects); got != c.want {
				t.Errorf("combineFirstApplicable(%v) = %s, want %s", c.effects, got, c.want)
			}
		})
	}
}

func TestCombine_FirstMatchingTarget(t *testing.T) {
	effects := []Effect{EffectDeny, EffectPermit, EffectUndetermined}
	matched := []bool{false, true, true}

	if got := combineFirstMatchingTarget(effects, matched); got != EffectPermit {
		t.Errorf("expected first matched child's effect (Permit), got %s", got)
	}

	noneMatched := []bool{false, false, false}
	if got := combineFirstMatchingTarget(effects, noneMatched); got != EffectInapplicable {
		t.Errorf("expected Inapplicable when no target matched, got %s", got)
	}
}

func TestCombine_UnknownAlgorithmIsError(t *testing.T) {
	if got := Combine(CombiningAlgorithm(99), []Effect{EffectPermit}, []bool{true}); got != EffectError {
		t.Errorf("expected unknown algorithm to produce Error, got %s", got)
	}
}
