package setupfsm

import "testing"

func TestMachine_StartsIdle(t *testing.T) {
	m := New()
	if m.State() != Idle {
		t.Errorf("initial state = %v, want Idle", m.State())
	}
}

func TestMachine_HappyPathNoExpert(t *testing.T) {
	m := New()
	if !m.Consume(SetupDriverRequest) {
		t.Fatal("SetupDriverRequest rejected from Idle")
	}
	if m.State() != WaitSetupData {
		t.Errorf("state = %v, want WaitSetupData", m.State())
	}
	if !m.Consume(Successful) {
		t.Fatal("Successful rejected from WaitSetupData")
	}
	if m.State() != Running {
		t.Errorf("state = %v, want Running", m.State())
	}
}

func TestMachine_ExpertPath(t *testing.T) {
	m := New()
	m.Consume(SetupDriverRequest)
	if !m.Consume(RequestUserInput) {
		t.Fatal("RequestUserInput rejected from WaitSetupData")
	}
	if m.State() != WaitUserInput {
		t.Errorf("state = %v, want WaitUserInput", m.State())
	}
	if !m.Consume(SetupUserData) {
		t.Fatal("SetupUserData rejected from WaitUserInput")
	}
	if m.State() != Running {
		t.Errorf("state = %v, want Running", m.State())
	}
}

func TestMachine_RejectedInputLeavesStateUnchanged(t *testing.T) {
	m := New()
	if m.Consume(Successful) {
		t.Fatal("Successful accepted from Idle, should be rejected")
	}
	if m.State() != Idle {
		t.Errorf("state changed after rejected input: %v", m.State())
	}
	if m.Consume(SetupUserData) {
		t.Fatal("SetupUserData accepted from Idle, should be rejected")
	}
}

func TestMachine_SetupErrorFromAnyState(t *testing.T) {
	for _, start := range []State{Idle, WaitSetupData, WaitUserInput, Running} {
		m := &Machine{state: start}
		if !m.Consume(SetupError) {
			t.Errorf("SetupError rejected from %v", start)
		}
		if m.State() != Error {
			t.Errorf("state = %v after SetupError from %v, want Error", m.State(), start)
		}
	}
}

func TestMachine_AbortSetupFromAnyState(t *testing.T) {
	for _, start := range []State{Idle, WaitSetupData, WaitUserInput, Running, Error} {
		m := &Machine{state: start}
		if !m.Consume(AbortSetup) {
			t.Errorf("AbortSetup rejected from %v", start)
		}
		if m.State() != Idle {
			t.Errorf("state = %v after AbortSetup from %v, want Idle", m.State(), start)
		}
	}
}

func TestMachine_ResetupFromRunning(t *testing.T) {
	m := &Machine{state: Running}
	if !m.Consume(SetupDriverRequest) {
		t.Fatal("SetupDriverRequest rejected from Running")
	}
	if m.State() != WaitSetupData {
		t.Errorf("state = %v, want WaitSetupData", m.State())
	}
}

func TestIsSetupTimerState(t *testing.T) {
	cases := map[State]bool{
		Idle:          false,
		WaitSetupData: true,
		WaitUserInput: true,
		Running:       false,
		Error:         false,
	}
	for state, want := range cases {
		if got := IsSetupTimerState(state); got != want {
			t.Errorf("IsSetupTimerState(%v) = %v, want %v", state, got, want)
		}
	}
}
